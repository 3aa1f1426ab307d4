// Package dagpipe captures ordinary function calls as nodes of a directed
// acyclic graph instead of executing them, then evaluates the graph on
// demand in dependency order. Pipelines re-run with fresh entry arguments,
// halt early on registered stop conditions, split multi-output tasks into
// independently consumable slots, and expose their nodes and edges for
// rendering.
package dagpipe
