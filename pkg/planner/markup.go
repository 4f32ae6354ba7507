// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package planner

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/kadirpekel/orchid/pkg/task"
)

// Plan is the parsed form of a planning markup document.
//
// A plan holds an optional name and thought, a required task
// description, an ordered node list, and at most one level of
// subtasks. The tree is clamped to depth 2: subtask plans never carry
// subtasks of their own.
type Plan struct {
	Name     string
	Thought  string
	Task     string
	Nodes    []task.Node
	Subtasks []*Plan
}

// ApplyTo copies the plan's fields onto a task and stores the markup.
func (p *Plan) ApplyTo(t *task.Task, markup string) {
	t.Name = p.Name
	t.Thought = p.Thought
	t.Description = p.Task
	t.Nodes = p.Nodes
	t.Markup = markup
}

// BalanceMarkup repairs a truncated markup fragment so it parses:
// unterminated attribute quotes are closed, a partially-written tag is
// completed, and every element still open at the end is closed in
// reverse order. Complete documents pass through unchanged.
func BalanceMarkup(s string) string {
	start := strings.IndexByte(s, '<')
	if start < 0 {
		return ""
	}
	s = s[start:]

	var b strings.Builder
	var stack []string

	i := 0
	for i < len(s) {
		c := s[i]
		if c != '<' {
			b.WriteByte(c)
			i++
			continue
		}

		end, complete := findTagEnd(s, i)
		tagText := s[i:end]
		if !complete {
			tagText = completeTag(tagText)
		}
		b.WriteString(tagText)

		name, closing, selfClosing := tagShape(tagText)
		switch {
		case name == "":
			// A lone "<" or comment-like noise; drop from the stack
			// bookkeeping.
		case closing:
			stack = popTo(stack, name)
		case !selfClosing:
			stack = append(stack, name)
		}
		i = end
	}

	for j := len(stack) - 1; j >= 0; j-- {
		fmt.Fprintf(&b, "</%s>", stack[j])
	}
	return b.String()
}

// findTagEnd returns the index just past the tag starting at i, and
// whether the tag was terminated by '>'. Quoted attribute values may
// contain '>'.
func findTagEnd(s string, i int) (end int, complete bool) {
	var quote byte
	for j := i + 1; j < len(s); j++ {
		c := s[j]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return j + 1, true
		case c == '<':
			// A new tag opened before this one closed; the fragment is
			// truncated mid-tag.
			return j, false
		}
	}
	return len(s), false
}

// completeTag closes an unterminated quote and appends the missing '>'.
func completeTag(tag string) string {
	var quote byte
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		}
	}
	if quote != 0 {
		tag += string(quote)
	}
	if tag == "<" || tag == "</" {
		return ""
	}
	return tag + ">"
}

// tagShape extracts the element name and whether the tag closes or
// self-closes.
func tagShape(tag string) (name string, closing, selfClosing bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(tag, "<"), ">")
	if strings.HasPrefix(inner, "/") {
		closing = true
		inner = inner[1:]
	}
	if strings.HasSuffix(inner, "/") {
		selfClosing = true
		inner = inner[:len(inner)-1]
	}
	inner = strings.TrimSpace(inner)
	if sp := strings.IndexAny(inner, " \t\n\r"); sp >= 0 {
		inner = inner[:sp]
	}
	return inner, closing, selfClosing
}

// popTo removes elements up to and including the nearest matching open
// element; an unmatched close tag leaves the stack alone.
func popTo(stack []string, name string) []string {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == name {
			return stack[:i]
		}
	}
	return stack
}

// Parse reads a planning markup document, repairing truncation first.
// The root element wraps optional <name> and <thought>, a required
// <task> description, a <nodes> list, and optional <subtasks>.
func Parse(markup string) (*Plan, error) {
	balanced := BalanceMarkup(markup)
	if balanced == "" {
		return nil, fmt.Errorf("empty planning markup")
	}

	dec := xml.NewDecoder(strings.NewReader(balanced))
	dec.Strict = false

	root, err := nextElement(dec)
	if err != nil {
		return nil, fmt.Errorf("no root element: %w", err)
	}

	plan, err := parsePlanElement(dec, root, 0)
	if err != nil {
		return nil, err
	}
	if plan.Task == "" {
		return nil, fmt.Errorf("planning markup is missing a <task> description")
	}
	return plan, nil
}

// maxPlanDepth bounds the subtask tree.
const maxPlanDepth = 2

func parsePlanElement(dec *xml.Decoder, start xml.StartElement, depth int) (*Plan, error) {
	plan := &Plan{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return plan, nil
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "name":
				plan.Name, _ = elementText(dec, t)
			case "thought":
				plan.Thought, _ = elementText(dec, t)
			case "task":
				plan.Task, _ = elementText(dec, t)
			case "nodes":
				nodes, err := parseNodes(dec, t)
				if err != nil {
					return nil, err
				}
				plan.Nodes = nodes
			case "subtasks":
				subs, err := parseSubtasks(dec, t, depth+1)
				if err != nil {
					return nil, err
				}
				plan.Subtasks = subs
			default:
				if err := dec.Skip(); err != nil {
					return plan, nil
				}
			}
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return plan, nil
			}
		}
	}
}

func parseSubtasks(dec *xml.Decoder, start xml.StartElement, depth int) ([]*Plan, error) {
	var subs []*Plan
	for {
		tok, err := dec.Token()
		if err != nil {
			return subs, nil
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth >= maxPlanDepth {
				// Deeper nesting is clamped away.
				if err := dec.Skip(); err != nil {
					return subs, nil
				}
				continue
			}
			sub, err := parsePlanElement(dec, t, depth)
			if err != nil {
				return nil, err
			}
			// Depth clamp: a subtask never keeps its own subtasks.
			sub.Subtasks = nil
			subs = append(subs, sub)
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return subs, nil
			}
		}
	}
}

func parseNodes(dec *xml.Decoder, start xml.StartElement) ([]task.Node, error) {
	var nodes []task.Node
	for {
		tok, err := dec.Token()
		if err != nil {
			return nodes, nil
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node, err := parseNode(dec, t)
			if err != nil {
				return nil, err
			}
			if node != nil {
				nodes = append(nodes, node)
			}
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return nodes, nil
			}
		}
	}
}

func parseNode(dec *xml.Decoder, start xml.StartElement) (task.Node, error) {
	switch start.Name.Local {
	case "node":
		text, _ := elementText(dec, start)
		return task.TextNode{Text: text}, nil

	case "forEach":
		inner, err := parseNodes(dec, start)
		if err != nil {
			return nil, err
		}
		return task.ForEachNode{
			Items: splitItems(attr(start, "items")),
			Nodes: inner,
		}, nil

	case "watch":
		return parseWatch(dec, start)

	default:
		_ = dec.Skip()
		return nil, nil
	}
}

func parseWatch(dec *xml.Decoder, start xml.StartElement) (task.Node, error) {
	node := task.WatchNode{
		EventKind: attr(start, "event"),
		Loop:      attr(start, "loop") == "true",
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return node, nil
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "description":
				node.Description, _ = elementText(dec, t)
			case "trigger":
				triggers, err := parseNodes(dec, t)
				if err != nil {
					return nil, err
				}
				node.Triggers = triggers
			default:
				_ = dec.Skip()
			}
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return node, nil
			}
		}
	}
}

func nextElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

// elementText collects the character data of an element up to its end
// tag.
func elementText(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return strings.TrimSpace(b.String()), nil
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return strings.TrimSpace(b.String()), nil
			}
		case xml.StartElement:
			_ = dec.Skip()
		}
	}
}

func attr(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func splitItems(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// Serialize renders a plan back to markup. Serialize and Parse round
// trip: parsing the output yields an equal plan.
func Serialize(p *Plan) string {
	var b strings.Builder
	b.WriteString("<root>\n")
	if p.Name != "" {
		fmt.Fprintf(&b, "  <name>%s</name>\n", escape(p.Name))
	}
	if p.Thought != "" {
		fmt.Fprintf(&b, "  <thought>%s</thought>\n", escape(p.Thought))
	}
	fmt.Fprintf(&b, "  <task>%s</task>\n", escape(p.Task))
	if len(p.Nodes) > 0 {
		b.WriteString("  <nodes>\n")
		writeNodes(&b, p.Nodes, "    ")
		b.WriteString("  </nodes>\n")
	}
	if len(p.Subtasks) > 0 {
		b.WriteString("  <subtasks>\n")
		for _, sub := range p.Subtasks {
			writeSubtask(&b, sub, "    ")
		}
		b.WriteString("  </subtasks>\n")
	}
	b.WriteString("</root>")
	return b.String()
}

func writeSubtask(b *strings.Builder, p *Plan, indent string) {
	b.WriteString(indent + "<subtask>\n")
	if p.Name != "" {
		fmt.Fprintf(b, "%s  <name>%s</name>\n", indent, escape(p.Name))
	}
	if p.Thought != "" {
		fmt.Fprintf(b, "%s  <thought>%s</thought>\n", indent, escape(p.Thought))
	}
	fmt.Fprintf(b, "%s  <task>%s</task>\n", indent, escape(p.Task))
	if len(p.Nodes) > 0 {
		b.WriteString(indent + "  <nodes>\n")
		writeNodes(b, p.Nodes, indent+"    ")
		b.WriteString(indent + "  </nodes>\n")
	}
	b.WriteString(indent + "</subtask>\n")
}

func writeNodes(b *strings.Builder, nodes []task.Node, indent string) {
	for _, n := range nodes {
		switch v := n.(type) {
		case task.TextNode:
			fmt.Fprintf(b, "%s<node>%s</node>\n", indent, escape(v.Text))
		case task.ForEachNode:
			fmt.Fprintf(b, "%s<forEach items=%q>\n", indent, strings.Join(v.Items, ","))
			writeNodes(b, v.Nodes, indent+"  ")
			b.WriteString(indent + "</forEach>\n")
		case task.WatchNode:
			fmt.Fprintf(b, "%s<watch event=%q loop=%q>\n", indent, v.EventKind, boolString(v.Loop))
			if v.Description != "" {
				fmt.Fprintf(b, "%s  <description>%s</description>\n", indent, escape(v.Description))
			}
			if len(v.Triggers) > 0 {
				b.WriteString(indent + "  <trigger>\n")
				writeNodes(b, v.Triggers, indent+"    ")
				b.WriteString(indent + "  </trigger>\n")
			}
			b.WriteString(indent + "</watch>\n")
		}
	}
}

func escape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
