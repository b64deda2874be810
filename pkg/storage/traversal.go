package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Adjacency is the subset of GraphStorage the traversal helpers need.
// Backends without a native traversal engine implement GetNeighbors,
// FindPath and GetSubgraph on top of it.
type Adjacency interface {
	GetEntity(ctx context.Context, id EntityID) (*Entity, error)
	GetEntities(ctx context.Context, ids []EntityID) ([]*Entity, error)
	GetRelations(ctx context.Context, id EntityID, dir Direction) ([]*Relation, error)
}

// other returns the endpoint of r opposite to from.
func other(r *Relation, from EntityID) EntityID {
	if r.SourceID == from {
		return r.TargetID
	}
	return r.SourceID
}

func sortIDs(ids []EntityID) {
	slices.SortFunc(ids, func(a, b EntityID) int { return strings.Compare(string(a), string(b)) })
}

// Neighbors returns the entities reachable from id within q.Depth hops,
// nearest first. The start entity is not included.
func Neighbors(ctx context.Context, g Adjacency, id EntityID, q NeighborQuery) ([]*Entity, error) {
	if _, err := g.GetEntity(ctx, id); err != nil {
		return nil, err
	}
	depth := q.Depth
	if depth <= 0 {
		depth = 1
	}
	dir := q.Direction
	if dir == "" {
		dir = Both
	}

	visited := map[EntityID]bool{id: true}
	frontier := []EntityID{id}
	var found []EntityID

	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []EntityID
		for _, cur := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rels, err := g.GetRelations(ctx, cur, dir)
			if err != nil {
				return nil, err
			}
			for _, r := range rels {
				if !MatchesRelationType(r, q.RelationTypes) {
					continue
				}
				n := other(r, cur)
				if visited[n] {
					continue
				}
				visited[n] = true
				next = append(next, n)
			}
		}
		sortIDs(next)
		found = append(found, next...)
		if q.Limit > 0 && len(found) >= q.Limit {
			break
		}
		frontier = next
	}

	entities, err := g.GetEntities(ctx, Limit(found, q.Limit))
	if err != nil {
		return nil, err
	}
	return entities, nil
}

type hop struct {
	prev EntityID
	rel  *Relation
}

// ShortestPath finds a shortest undirected path of at most maxDepth hops
// with a breadth-first search.
func ShortestPath(ctx context.Context, g Adjacency, from, to EntityID, maxDepth int) (*Path, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	start, err := g.GetEntity(ctx, from)
	if err != nil {
		return nil, err
	}
	if _, err := g.GetEntity(ctx, to); err != nil {
		return nil, err
	}
	if from == to {
		return &Path{Entities: []*Entity{start}}, nil
	}

	parents := map[EntityID]hop{from: {}}
	frontier := []EntityID{from}
	for level := 0; level < maxDepth && len(frontier) > 0; level++ {
		var next []EntityID
		for _, cur := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rels, err := g.GetRelations(ctx, cur, Both)
			if err != nil {
				return nil, err
			}
			SortRelations(rels)
			for _, r := range rels {
				n := other(r, cur)
				if _, seen := parents[n]; seen {
					continue
				}
				parents[n] = hop{prev: cur, rel: r}
				if n == to {
					return buildPath(ctx, g, parents, from, to)
				}
				next = append(next, n)
			}
		}
		sortIDs(next)
		frontier = next
	}
	return nil, fmt.Errorf("%w: no path from %s to %s within %d hops", ErrNotFound, from, to, maxDepth)
}

func buildPath(ctx context.Context, g Adjacency, parents map[EntityID]hop, from, to EntityID) (*Path, error) {
	ids := []EntityID{to}
	var rels []*Relation
	for cur := to; cur != from; {
		h := parents[cur]
		rels = append(rels, h.rel)
		ids = append(ids, h.prev)
		cur = h.prev
	}
	slices.Reverse(ids)
	slices.Reverse(rels)

	entities, err := g.GetEntities(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(entities) != len(ids) {
		return nil, fmt.Errorf("%w: path entity deleted during traversal", ErrNotFound)
	}
	return &Path{Entities: entities, Relations: rels}, nil
}

// CollectSubgraph returns every entity within depth undirected hops of
// center together with the relations among them.
func CollectSubgraph(ctx context.Context, g Adjacency, center EntityID, depth int) (*Subgraph, error) {
	if _, err := g.GetEntity(ctx, center); err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 1
	}

	members := map[EntityID]bool{center: true}
	ids := []EntityID{center}
	frontier := []EntityID{center}
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []EntityID
		for _, cur := range frontier {
			rels, err := g.GetRelations(ctx, cur, Both)
			if err != nil {
				return nil, err
			}
			for _, r := range rels {
				n := other(r, cur)
				if !members[n] {
					members[n] = true
					next = append(next, n)
				}
			}
		}
		sortIDs(next)
		ids = append(ids, next...)
		frontier = next
	}

	var relations []*Relation
	for _, id := range ids {
		rels, err := g.GetRelations(ctx, id, Outgoing)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			if members[r.TargetID] {
				relations = append(relations, r)
			}
		}
	}
	SortRelations(relations)

	entities, err := g.GetEntities(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &Subgraph{Entities: entities, Relations: relations}, nil
}
