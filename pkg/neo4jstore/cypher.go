package neo4jstore

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/orneryd/fingraph/pkg/storage"
)

// Entities are (:Entity) nodes. Properties are stored as one JSON string
// because Neo4j node properties cannot hold nested maps. Timestamps are unix
// nanoseconds.
const (
	entityProjection   = `n {.id, .type, .name, .properties, .created_at, .updated_at}`
	relationProjection = `r {.id, .properties, .weight, .created_at, .updated_at, type: type(r), source_id: startNode(r).id, target_id: endNode(r).id}`
)

var schemaStatements = []string{
	`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE`,
	`CREATE INDEX entity_type IF NOT EXISTS FOR (n:Entity) ON (n.type)`,
}

var relTypePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// relType returns t quoted for use as a relationship type. Cypher cannot
// parameterize types, so anything but a plain identifier is rejected.
func relType(t string) (string, error) {
	if !relTypePattern.MatchString(t) {
		return "", fmt.Errorf("%w: relation type %q is not a valid identifier", storage.ErrInvalidData, t)
	}
	return "`" + t + "`", nil
}

// relationPattern matches relations of the entity bound to $id.
func relationPattern(dir storage.Direction) string {
	switch dir {
	case storage.Outgoing:
		return `(a:Entity {id: $id})-[r]->(:Entity)`
	case storage.Incoming:
		return `(a:Entity {id: $id})<-[r]-(:Entity)`
	default:
		return `(a:Entity {id: $id})-[r]-(:Entity)`
	}
}

func relationsQuery(dir storage.Direction) string {
	return `MATCH ` + relationPattern(dir) + ` RETURN DISTINCT ` + relationProjection + ` AS rel ORDER BY rel.id`
}

func createRelationQuery(typ string) (string, error) {
	t, err := relType(typ)
	if err != nil {
		return "", err
	}
	return `MATCH (a:Entity {id: $source_id}), (b:Entity {id: $target_id})
CREATE (a)-[r:` + t + ` {id: $id, properties: $properties, weight: $weight, created_at: $created_at, updated_at: $updated_at}]->(b)
RETURN count(r) AS created`, nil
}

// searchQuery filters type and name in Cypher. Property filters are applied
// by the caller, so the limit is only pushed down without them.
func searchQuery(q storage.SearchQuery) (string, map[string]any) {
	params := map[string]any{}
	var where []string
	if q.Type != "" {
		where = append(where, `n.type = $type`)
		params["type"] = q.Type
	}
	if q.Name != "" {
		where = append(where, `toLower(n.name) CONTAINS $name`)
		params["name"] = strings.ToLower(q.Name)
	}
	cypher := `MATCH (n:Entity)`
	if len(where) > 0 {
		cypher += ` WHERE ` + strings.Join(where, ` AND `)
	}
	cypher += ` RETURN ` + entityProjection + ` AS entity ORDER BY entity.id`
	if len(q.Properties) == 0 && q.Limit > 0 {
		cypher += ` LIMIT $limit`
		params["limit"] = int64(q.Limit)
	}
	return cypher, params
}

// neighborsQuery returns entities within q.Depth hops ordered by distance
// then id, matching the breadth-first order of the other backends.
func neighborsQuery(id storage.EntityID, q storage.NeighborQuery) (string, map[string]any) {
	depth := q.Depth
	if depth <= 0 {
		depth = 1
	}
	var pattern string
	switch q.Direction {
	case storage.Outgoing:
		pattern = fmt.Sprintf(`(s)-[*1..%d]->(n:Entity)`, depth)
	case storage.Incoming:
		pattern = fmt.Sprintf(`(s)<-[*1..%d]-(n:Entity)`, depth)
	default:
		pattern = fmt.Sprintf(`(s)-[*1..%d]-(n:Entity)`, depth)
	}
	params := map[string]any{"id": string(id)}
	cypher := `MATCH (s:Entity {id: $id}) MATCH p = ` + pattern + ` WHERE n <> s`
	if len(q.RelationTypes) > 0 {
		cypher += ` AND all(rel IN relationships(p) WHERE type(rel) IN $types)`
		params["types"] = q.RelationTypes
	}
	cypher += ` WITH n, min(length(p)) AS dist RETURN ` + entityProjection + ` AS entity ORDER BY dist, entity.id`
	if q.Limit > 0 {
		cypher += ` LIMIT $limit`
		params["limit"] = int64(q.Limit)
	}
	return cypher, params
}

func shortestPathQuery(maxDepth int) string {
	if maxDepth <= 0 {
		maxDepth = storage.DefaultMaxDepth
	}
	return fmt.Sprintf(`MATCH (a:Entity {id: $from}), (b:Entity {id: $to})
MATCH p = shortestPath((a)-[*..%d]-(b))
RETURN [n IN nodes(p) | %s] AS entities, [r IN relationships(p) | %s] AS relations`,
		maxDepth, entityProjection, relationProjection)
}

func subgraphMembersQuery(depth int) string {
	if depth <= 0 {
		depth = 1
	}
	return fmt.Sprintf(`MATCH (c:Entity {id: $id})
OPTIONAL MATCH (c)-[*1..%d]-(m:Entity)
WITH c, collect(DISTINCT m.id) AS ids
RETURN [c.id] + [x IN ids WHERE x <> c.id] AS ids`, depth)
}

const subgraphRelationsQuery = `MATCH (x:Entity)-[r]->(y:Entity)
WHERE x.id IN $ids AND y.id IN $ids
RETURN ` + relationProjection + ` AS rel ORDER BY rel.id`

// ============================================================================
// Encoding
// ============================================================================

func encodeProperties(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: properties: %v", storage.ErrInvalidData, err)
	}
	return string(b), nil
}

func decodeProperties(v any) (map[string]any, error) {
	s, _ := v.(string)
	if s == "" || s == "{}" {
		return nil, nil
	}
	var p map[string]any
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func entityParams(e *storage.Entity) (map[string]any, error) {
	props, err := encodeProperties(e.Properties)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         string(e.ID),
		"type":       e.Type,
		"name":       e.Name,
		"properties": props,
		"created_at": e.CreatedAt.UnixNano(),
		"updated_at": e.UpdatedAt.UnixNano(),
	}, nil
}

func relationParams(r *storage.Relation) (map[string]any, error) {
	props, err := encodeProperties(r.Properties)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         string(r.ID),
		"source_id":  string(r.SourceID),
		"target_id":  string(r.TargetID),
		"properties": props,
		"weight":     r.Weight,
		"created_at": r.CreatedAt.UnixNano(),
		"updated_at": r.UpdatedAt.UnixNano(),
	}, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func nanos(m map[string]any, key string) time.Time {
	n, ok := m[key].(int64)
	if !ok || n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func float(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func decodeEntity(v any) (*storage.Entity, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("neo4jstore: unexpected entity value %T", v)
	}
	props, err := decodeProperties(m["properties"])
	if err != nil {
		return nil, fmt.Errorf("neo4jstore: entity %s properties: %w", str(m, "id"), err)
	}
	return &storage.Entity{
		ID:         storage.EntityID(str(m, "id")),
		Type:       str(m, "type"),
		Name:       str(m, "name"),
		Properties: props,
		CreatedAt:  nanos(m, "created_at"),
		UpdatedAt:  nanos(m, "updated_at"),
	}, nil
}

func decodeRelation(v any) (*storage.Relation, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("neo4jstore: unexpected relation value %T", v)
	}
	props, err := decodeProperties(m["properties"])
	if err != nil {
		return nil, fmt.Errorf("neo4jstore: relation %s properties: %w", str(m, "id"), err)
	}
	return &storage.Relation{
		ID:         storage.RelationID(str(m, "id")),
		SourceID:   storage.EntityID(str(m, "source_id")),
		TargetID:   storage.EntityID(str(m, "target_id")),
		Type:       str(m, "type"),
		Properties: props,
		Weight:     float(m, "weight"),
		CreatedAt:  nanos(m, "created_at"),
		UpdatedAt:  nanos(m, "updated_at"),
	}, nil
}

func decodeEntities(v any) ([]*storage.Entity, error) {
	list, _ := v.([]any)
	out := make([]*storage.Entity, 0, len(list))
	for _, item := range list {
		e, err := decodeEntity(item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeRelations(v any) ([]*storage.Relation, error) {
	list, _ := v.([]any)
	out := make([]*storage.Relation, 0, len(list))
	for _, item := range list {
		r, err := decodeRelation(item)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
