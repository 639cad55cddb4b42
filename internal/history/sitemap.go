package history

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Node is one path segment in a domain's site map.
type Node struct {
	Name     string  `json:"name"`
	Children []*Node `json:"children"`
}

// Domains lists every recorded domain in order.
func (c *Client) Domains(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT DISTINCT domain FROM exchanges WHERE domain != '' ORDER BY domain")
	if err != nil {
		return nil, fmt.Errorf("fetch domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// SiteMap builds the tree of recorded paths for domain.
func (c *Client) SiteMap(ctx context.Context, domain string) (*Node, error) {
	root := &Node{Name: domain}
	rows, err := c.db.QueryContext(ctx, "SELECT DISTINCT path FROM exchanges WHERE domain = ? ORDER BY path", domain)
	if err != nil {
		return nil, fmt.Errorf("fetch paths: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		root.add(path)
	}
	return root, rows.Err()
}

func (n *Node) add(path string) {
	if path == "" || path == "/" {
		n.child("/")
		return
	}
	cur := n
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		// Route parameters collapse into one node.
		if strings.Contains(part, ":") || (strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}")) {
			part = "{param}"
		}
		cur = cur.child(part)
	}
}

func (n *Node) child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	c := &Node{Name: name}
	n.Children = append(n.Children, c)
	return c
}

// Print writes the tree with two-space indentation.
func (n *Node) Print(w io.Writer) {
	n.print(w, 0)
}

func (n *Node) print(w io.Writer, depth int) {
	fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), n.Name)
	for _, c := range n.Children {
		c.print(w, depth+1)
	}
}
