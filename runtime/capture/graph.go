package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/kurral/kurral/runtime/artifact"
)

type (
	// GraphSpec describes the agent graph handed to the recorder for
	// fingerprinting. Node and edge order does not affect the fingerprint.
	GraphSpec struct {
		// Nodes are the graph node names.
		Nodes []string

		// Edges are the directed connections between nodes.
		Edges []GraphEdge

		// Config is graph-level configuration folded into the hash.
		Config map[string]any

		// Tools are the callable tools exposed to the agent.
		Tools []ToolSpec
	}

	// GraphEdge is one directed connection.
	GraphEdge struct {
		From string
		To   string
	}

	// ToolSpec describes one tool: its name, its description and the JSON
	// schema of its input.
	ToolSpec struct {
		Name        string
		Description string
		Schema      map[string]any
	}
)

// GraphVersionOf fingerprints the graph: the graph hash covers the sorted
// nodes, the sorted "from->to" edge strings and the config; each tool gets a
// schema hash over its canonical input schema and description; the combined
// schema hash covers the sorted per-tool hashes. Any change to the graph
// structure or a tool contract changes the fingerprint.
func GraphVersionOf(g GraphSpec) (*artifact.GraphVersion, error) {
	nodes := append([]string(nil), g.Nodes...)
	sort.Strings(nodes)
	edges := make([]string, len(g.Edges))
	for i, e := range g.Edges {
		edges[i] = e.From + "->" + e.To
	}
	sort.Strings(edges)

	doc := map[string]any{"nodes": nodes, "edges": edges}
	if g.Config != nil {
		doc["config"] = g.Config
	}
	graphHash, err := artifact.Hash(doc)
	if err != nil {
		return nil, fmt.Errorf("hash graph: %w", err)
	}
	gv := &artifact.GraphVersion{GraphHash: graphHash}

	hashes := make([]string, 0, len(g.Tools))
	for _, t := range g.Tools {
		th, err := toolSchemaHash(t)
		if err != nil {
			return nil, fmt.Errorf("hash tool %q: %w", t.Name, err)
		}
		gv.Tools = append(gv.Tools, artifact.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			SchemaHash:  th,
		})
		hashes = append(hashes, th)
	}
	if len(hashes) > 0 {
		sort.Strings(hashes)
		sum := sha256.New()
		for _, h := range hashes {
			sum.Write([]byte(h))
		}
		gv.SchemaHash = hex.EncodeToString(sum.Sum(nil))
	}
	sort.Slice(gv.Tools, func(i, j int) bool { return gv.Tools[i].Name < gv.Tools[j].Name })
	return gv, nil
}

// toolSchemaHash hashes the tool's canonical input schema together with its
// description, separated so neither can masquerade as the other.
func toolSchemaHash(t ToolSpec) (string, error) {
	schema := t.Schema
	if schema == nil {
		schema = map[string]any{}
	}
	b, err := artifact.CanonicalJSON(schema)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write(b)
	sum.Write([]byte{0x1f})
	sum.Write([]byte(t.Description))
	return hex.EncodeToString(sum.Sum(nil)), nil
}
