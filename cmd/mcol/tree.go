package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// treeNode is a directory or file of a rendered folder tree
type treeNode struct {
	name      string
	isDir     bool
	children  map[string]*treeNode
	fileCount int // files hidden by the depth limit or dirs-only
}

func newDirNode(name string) *treeNode {
	return &treeNode{name: name, isDir: true, children: make(map[string]*treeNode)}
}

// commonDir returns the deepest directory containing every path
func commonDir(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	prefix := filepath.Dir(filepath.Clean(paths[0]))
	for _, p := range paths[1:] {
		dir := filepath.Dir(filepath.Clean(p))
		for prefix != dir && !strings.HasPrefix(dir, strings.TrimSuffix(prefix, string(filepath.Separator))+string(filepath.Separator)) {
			parent := filepath.Dir(prefix)
			if parent == prefix {
				return prefix
			}
			prefix = parent
		}
	}
	return prefix
}

// buildTree builds a folder tree of the files at paths, relative to the
// directory they share
func buildTree(paths []string, maxDepth int, dirsOnly bool) *treeNode {
	base := commonDir(paths)
	root := newDirNode(base)

	for _, p := range paths {
		rel, err := filepath.Rel(base, filepath.Clean(p))
		if err != nil {
			continue
		}
		parts := strings.Split(rel, string(filepath.Separator))
		truncated := maxDepth > 0 && len(parts) > maxDepth
		if truncated {
			parts = parts[:maxDepth]
		}

		current := root
		for i, part := range parts {
			if part == "" || part == "." {
				continue
			}
			isFile := i == len(parts)-1 && !truncated
			if isFile && dirsOnly {
				current.fileCount++
				continue
			}

			child, ok := current.children[part]
			if !ok {
				child = &treeNode{name: part, isDir: !isFile}
				if child.isDir {
					child.children = make(map[string]*treeNode)
				}
				current.children[part] = child
			}
			if !isFile {
				current = child
			}
		}
		if truncated {
			current.fileCount++
		}
	}
	return root
}

// renderTree renders a tree like tree(1) does, with a summary line
func renderTree(root *treeNode, dirsOnly bool) string {
	var sb strings.Builder
	sb.WriteString(root.name + "\n")

	children := sortedChildren(root)
	for i, child := range children {
		writeTreeLines(&sb, child, "", i == len(children)-1, dirsOnly)
	}

	dirs, files := countTree(root)
	fmt.Fprintf(&sb, "\n%d directories", dirs-1)
	if !dirsOnly {
		fmt.Fprintf(&sb, ", %d files", files)
	}
	sb.WriteString("\n")
	return sb.String()
}

func writeTreeLines(sb *strings.Builder, node *treeNode, prefix string, isLast bool, dirsOnly bool) {
	connector, extension := "├── ", "│   "
	if isLast {
		connector, extension = "└── ", "    "
	}

	name := node.name
	if node.isDir {
		name += "/"
	}
	if node.fileCount > 0 && (dirsOnly || len(node.children) == 0) {
		name += fmt.Sprintf(" (%d files)", node.fileCount)
	}
	sb.WriteString(prefix + connector + name + "\n")

	children := sortedChildren(node)
	for i, child := range children {
		writeTreeLines(sb, child, prefix+extension, i == len(children)-1, dirsOnly)
	}
}

// sortedChildren returns directories first, then files, each alphabetically
func sortedChildren(node *treeNode) []*treeNode {
	children := make([]*treeNode, 0, len(node.children))
	for _, child := range node.children {
		children = append(children, child)
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].isDir != children[j].isDir {
			return children[i].isDir
		}
		return strings.ToLower(children[i].name) < strings.ToLower(children[j].name)
	})
	return children
}

// countTree counts the directories, the root included, and files of a tree
func countTree(node *treeNode) (dirs, files int) {
	if !node.isDir {
		return 0, 1
	}
	dirs, files = 1, node.fileCount
	for _, child := range node.children {
		d, f := countTree(child)
		dirs += d
		files += f
	}
	return dirs, files
}
