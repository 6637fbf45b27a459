package storage

import (
	"fmt"
	"regexp"

	"smartgrid-relay/src/models"
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// collections maps each watched source to its table.
type collections map[models.SourceName]string

func newCollections(sources []models.MSourceConfig) (collections, error) {
	out := make(collections, len(sources))
	for _, src := range sources {
		name := models.SourceName(src.Name)
		table := src.Collection
		if table == "" {
			table = name.DefaultCollection()
		}
		if !identifierRegex.MatchString(table) {
			return nil, fmt.Errorf("invalid collection name %q for source %s", table, name)
		}
		out[name] = table
	}
	return out, nil
}

func (c collections) table(source models.SourceName) (string, error) {
	t, ok := c[source]
	if !ok {
		return "", fmt.Errorf("source %s is not configured", source)
	}
	return t, nil
}

// modeTable is where mode commands are appended: the mode_change collection,
// so that the command is observed back through its watcher.
func (c collections) modeTable() (string, error) {
	if t, ok := c[models.SourceModeChange]; ok {
		return t, nil
	}
	return models.SourceModeChange.DefaultCollection(), nil
}
