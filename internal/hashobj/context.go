package hashobj

import "fmt"

// Context bundles one or more root objects together with every literal
// needed to reconstruct them, for transmission in a single message.
// Dependencies a sender chooses not to include (because the receiver
// already holds them) are simply absent from Literals; the ownership-proof
// machinery in internal/ownership is what makes that safe.
type Context struct {
	RootHashes []Hash
	Literals   map[Hash]*Literal
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{Literals: make(map[Hash]*Literal)}
}

// AddRoot registers lit as a root object and stores it in the literal map.
func (ctx *Context) AddRoot(lit *Literal) {
	ctx.RootHashes = append(ctx.RootHashes, lit.Hash)
	ctx.Literals[lit.Hash] = lit
}

// Add stores lit in the context without marking it as a root (a supporting
// dependency pulled in to complete a root's transitive closure).
func (ctx *Context) Add(lit *Literal) {
	ctx.Literals[lit.Hash] = lit
}

// Validate checks the two context invariants from spec.md §3: every
// literal's hash recomputes to itself, and every root hash appears in
// Literals.
func (ctx *Context) Validate() error {
	for h, lit := range ctx.Literals {
		if lit.Hash != h {
			return fmt.Errorf("hashobj: literal stored under %s but hashes to %s", h, lit.Hash)
		}
		if err := lit.Validate(); err != nil {
			return err
		}
	}
	for _, r := range ctx.RootHashes {
		if _, ok := ctx.Literals[r]; !ok {
			return fmt.Errorf("hashobj: root %s not present in literals", r)
		}
	}
	return nil
}

// FindMissingDeps walks the transitive closure of every root and returns
// the dependencies whose hash is not present in the context. Traversal
// stops at any literal not present in the context (its own dependencies
// are unknown to us).
func (ctx *Context) FindMissingDeps() []Dependency {
	missing := make(map[Hash]Dependency)
	visited := make(map[Hash]bool)

	var visit func(h Hash)
	visit = func(h Hash) {
		if visited[h] {
			return
		}
		visited[h] = true

		lit, ok := ctx.Literals[h]
		if !ok {
			return
		}

		for _, d := range lit.Dependencies {
			if _, present := ctx.Literals[d.Hash]; present {
				visit(d.Hash)
				continue
			}
			if _, already := missing[d.Hash]; !already {
				missing[d.Hash] = d
			}
		}
	}

	for _, r := range ctx.RootHashes {
		visit(r)
	}

	out := make([]Dependency, 0, len(missing))
	for _, d := range missing {
		out = append(out, d)
	}
	return out
}

// Merge folds another context's literals into ctx (used when completing an
// incomplete op with newly-arrived dependencies).
func (ctx *Context) Merge(other *Context) {
	for h, lit := range other.Literals {
		ctx.Literals[h] = lit
	}
}
