package cache

import "github.com/offlinekit/offsync/query"

// Document is a schemaless entity: a decoded JSON object whose id lives
// under "_id".
type Document map[string]any

// EntityID returns the "_id" field, or "" if it is absent or not a string.
func (d Document) EntityID() string {
	id, _ := d[query.IDField].(string)
	return id
}

// SetEntityID sets the "_id" field. d must not be nil.
func (d Document) SetEntityID(id string) {
	d[query.IDField] = id
}
