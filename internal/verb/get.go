// Package verb implements the shared skeleton every data type's
// /get, /changes, /query, /queryChanges, and /set verb is built from
// (spec §4.4), generic over each domain package's row type.
package verb

// Projector renders a row into a property-keyed map, including only the
// requested properties (plus "id", which is always present) — property
// projection happens after the object is fully materialized (spec §4.4).
type Projector[T any] func(row T, properties []string) map[string]any

// Get implements the /get verb: given an explicit id list (or nil for
// "all objects of this type") and an optional property list (nil meaning
// "all properties"), it returns the projected object list plus the ids
// that were requested but don't exist.
func Get[T any](
	ids []string,
	properties []string,
	loadAll func() ([]T, error),
	loadOne func(id string) (T, bool, error),
	project Projector[T],
) (list []map[string]any, notFound []string, err error) {
	if ids == nil {
		rows, err := loadAll()
		if err != nil {
			return nil, nil, err
		}
		list = make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			list = append(list, project(row, properties))
		}
		return list, nil, nil
	}

	list = make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		row, found, err := loadOne(id)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			notFound = append(notFound, id)
			continue
		}
		list = append(list, project(row, properties))
	}
	return list, notFound, nil
}
