/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Read parses the YAML document from r into a list of top-level nodes.
//
// Each mapping key is split on whitespace: the first word becomes Node.Name,
// the rest are prepended to Node.Args. A scalar value is appended to Args, a
// sequence of scalars is appended element by element and a nested mapping
// becomes Children. An empty value produces a node without arguments.
//
//	submission tls://0.0.0.0:465:
//	  hostname: mx.example.org
//	  interfaces: [feeder, api]
//
// {env:NAME} in names and values is replaced with the environment variable
// value.
func Read(r io.Reader, fileName string) ([]Node, error) {
	var doc yaml.Node
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, fmt.Errorf("%s: expected a single YAML document", fileName)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s:%d: top-level value should be a mapping", fileName, root.Line)
	}

	return convertMapping(root, fileName, os.LookupEnv)
}

// ReadFile is a convenience wrapper for Read.
func ReadFile(path string) ([]Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, path)
}

var envRe = regexp.MustCompile(`{env:([^}]+)}`)

func expandEnv(s string, lookup func(string) (string, bool)) string {
	return envRe.ReplaceAllStringFunc(s, func(m string) string {
		val, _ := lookup(m[len("{env:") : len(m)-1])
		return val
	})
}

func convertMapping(m *yaml.Node, fileName string, lookup func(string) (string, bool)) ([]Node, error) {
	nodes := make([]Node, 0, len(m.Content)/2)
	for i := 0; i+1 < len(m.Content); i += 2 {
		key, val := m.Content[i], m.Content[i+1]
		if key.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%s:%d: mapping keys should be strings", fileName, key.Line)
		}

		words := strings.Fields(expandEnv(key.Value, lookup))
		if len(words) == 0 {
			return nil, fmt.Errorf("%s:%d: empty directive name", fileName, key.Line)
		}
		node := Node{
			Name: words[0],
			Args: words[1:],
			File: fileName,
			Line: key.Line,
		}

		switch val.Kind {
		case yaml.ScalarNode:
			if val.Tag != "!!null" {
				node.Args = append(node.Args, expandEnv(val.Value, lookup))
			}
		case yaml.SequenceNode:
			for _, item := range val.Content {
				if item.Kind != yaml.ScalarNode {
					return nil, fmt.Errorf("%s:%d: only lists of scalars are supported", fileName, item.Line)
				}
				node.Args = append(node.Args, expandEnv(item.Value, lookup))
			}
		case yaml.MappingNode:
			children, err := convertMapping(val, fileName, lookup)
			if err != nil {
				return nil, err
			}
			node.Children = children
		default:
			return nil, fmt.Errorf("%s:%d: unsupported value for %s", fileName, val.Line, node.Name)
		}

		nodes = append(nodes, node)
	}
	return nodes, nil
}
