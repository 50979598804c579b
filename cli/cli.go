// Copyright 2024 The Udfc Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/spirit-labs/udfc/compiler"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/evbatch"
	log "github.com/spirit-labs/udfc/logger"
	"github.com/spirit-labs/udfc/registry"
	"github.com/yosuke-furukawa/json5/encoding/json5"
)

const (
	maxBufferedLines     = 1000
	defaultMaxLineWidth  = 120
	minLineWidth         = 10
	minColWidth          = 5
	maxLineWidthPropName = "max_line_width"
	maxLineWidth         = 10000
	resultColumnName     = "result"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Cli executes shell statements against a compiler and its registry. Output lines are streamed on a channel.
type Cli struct {
	lock         sync.Mutex
	started      bool
	compiler     *compiler.Compiler
	adapter      *registry.Adapter
	maxLineWidth int
	styled       bool
}

func NewCli(comp *compiler.Compiler, arenaChunkBytes int) *Cli {
	return &Cli{
		compiler:     comp,
		adapter:      registry.NewAdapter(comp.Registry(), arenaChunkBytes),
		maxLineWidth: defaultMaxLineWidth,
	}
}

func (c *Cli) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.started {
		return nil
	}
	if err := c.compiler.Start(); err != nil {
		return err
	}
	c.started = true
	return nil
}

func (c *Cli) Stop() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	return c.compiler.Stop()
}

// SetStyled turns terminal styling of table headers and errors on or off.
func (c *Cli) SetStyled(styled bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.styled = styled
}

// RegisterFile registers the function defined in the file at path and returns its name.
func (c *Cli) RegisterFile(path string) (string, error) {
	c.lock.Lock()
	started := c.started
	c.lock.Unlock()
	if !started {
		return "", errors.New("not started")
	}
	desc, err := c.compiler.RegisterFile(path)
	if err != nil {
		return "", err
	}
	return desc.Name, nil
}

func (c *Cli) ExecuteStatement(statement string) (chan string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.started {
		return nil, errors.New("not started")
	}
	statement = strings.TrimSpace(statement)
	statement = strings.TrimSuffix(statement, ";")
	statement = strings.TrimSpace(statement)
	ch := make(chan string, maxBufferedLines)
	go c.doExecuteStatement(statement, ch)
	return ch, nil
}

func (c *Cli) doExecuteStatement(statement string, ch chan string) {
	if rc, err := c.doExecuteStatementWithError(statement, ch); err != nil {
		ch <- c.formatError(err)
	} else if rc == -1 {
		ch <- "OK"
	} else if rc == 1 {
		ch <- "1 row returned"
	} else if rc > 1 || rc == 0 {
		ch <- fmt.Sprintf("%d rows returned", rc)
	}
	close(ch)
}

// doExecuteStatementWithError returns the number of rows written, -1 for a statement without rows or -2 when
// nothing more should be written.
func (c *Cli) doExecuteStatementWithError(statement string, out chan string) (int, error) {
	keyword, rest := splitKeyword(statement)
	switch strings.ToLower(keyword) {
	case "":
		return -2, nil
	case "def":
		desc, err := c.compiler.Register(statement)
		if err != nil {
			return 0, err
		}
		out <- fmt.Sprintf("registered %s", desc)
		return -1, nil
	case "register":
		desc, err := c.compiler.RegisterFile(unquote(rest))
		if err != nil {
			return 0, err
		}
		out <- fmt.Sprintf("registered %s", desc)
		return -1, nil
	case "list":
		return c.handleList(out), nil
	case "explain":
		return -2, c.handleExplain(rest, out)
	case "run":
		return c.handleRun(rest, out)
	case "drop":
		return -1, c.handleDrop(rest)
	case "save":
		n, err := c.compiler.SaveCatalog(unquote(rest))
		if err != nil {
			return 0, err
		}
		out <- fmt.Sprintf("saved %d functions", n)
		return -1, nil
	case "load":
		n, err := c.compiler.LoadCatalog(unquote(rest))
		if err != nil {
			return 0, err
		}
		out <- fmt.Sprintf("loaded %d functions", n)
		return -1, nil
	case "set":
		return -1, c.handleSetCommand(rest)
	default:
		return 0, errors.Errorf("unknown statement %q. Expected one of def, register, list, explain, run, drop, "+
			"save, load or set", keyword)
	}
}

func splitKeyword(statement string) (string, string) {
	idx := strings.IndexAny(statement, " \t\r\n")
	if idx == -1 {
		return statement, ""
	}
	return statement[:idx], strings.TrimSpace(statement[idx+1:])
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func (c *Cli) handleSetCommand(rest string) error {
	parts := strings.Fields(rest)
	if len(parts) != 2 {
		return errors.New("invalid set command. Should be set <prop_name> <prop_value>")
	}
	if propName := strings.ToLower(parts[0]); propName == maxLineWidthPropName {
		propVal := parts[1]
		width, err := strconv.Atoi(propVal)
		if err != nil || width < minLineWidth || width > maxLineWidth {
			return errors.Errorf("invalid %s value: %s", maxLineWidthPropName, propVal)
		}
		c.lock.Lock()
		defer c.lock.Unlock()
		c.maxLineWidth = width
	} else {
		return errors.Errorf("unknown property: %s", propName)
	}
	return nil
}

func (c *Cli) handleList(out chan string) int {
	descs := c.compiler.Registry().List()
	rows := make([][]string, len(descs))
	for i, desc := range descs {
		rows[i] = []string{desc.Name, desc.Signature(), backendOf(desc), desc.ID.String()}
	}
	c.writeTable(out, []string{"name", "signature", "backend", "id"}, rows)
	return len(rows)
}

func backendOf(desc *registry.FunctionDescriptor) string {
	if desc.Backend == "" {
		return "external"
	}
	return desc.Backend
}

func (c *Cli) handleExplain(src string, out chan string) error {
	if src == "" {
		return errors.New("invalid explain command. Should be explain <function definition>")
	}
	exp, err := c.compiler.Explain(src)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimSuffix(exp.String(), "\n"), "\n") {
		out <- line
	}
	return nil
}

func (c *Cli) handleDrop(rest string) error {
	parts := strings.Fields(rest)
	if len(parts) != 2 {
		return errors.New("invalid drop command. Should be drop <name> <arity>")
	}
	arity, err := strconv.Atoi(parts[1])
	if err != nil || arity < 0 {
		return errors.Errorf("invalid arity: %s", parts[1])
	}
	if !c.compiler.Registry().Unregister(parts[0], arity) {
		return errors.NewUdfErrorf(errors.UnknownFunction, "unknown function %s with %d arguments", parts[0], arity)
	}
	return nil
}

// handleRun evaluates a registered function over rows given as a json5 array of arrays, e.g.
// run greet [["Alice"], [null]]
func (c *Cli) handleRun(rest string, out chan string) (int, error) {
	name, rowsText := splitKeyword(rest)
	if name == "" || rowsText == "" {
		return 0, errors.New("invalid run command. Should be run <name> <rows>, e.g. run greet [[\"Alice\"]]")
	}
	var rows [][]any
	if err := json5.Unmarshal([]byte(rowsText), &rows); err != nil {
		return 0, errors.Errorf("rows must be an array of arrays: %v", err)
	}
	if len(rows) == 0 {
		return 0, errors.New("run needs at least one row")
	}
	arity := len(rows[0])
	desc, ok := c.compiler.Registry().Lookup(name, arity)
	if !ok {
		return 0, errors.NewUdfErrorf(errors.UnknownFunction, "unknown function %s with %d arguments", name, arity)
	}
	schema := evbatch.NewArgsSchema(desc.ArgTypes)
	batch, err := evbatch.NewBatchFromRows(schema, rows)
	if err != nil {
		return 0, err
	}
	defer batch.Release()
	res, err := c.adapter.Invoke(context.Background(), name, batch)
	if err != nil {
		return 0, err
	}
	defer res.Release()
	header := append(append([]string{}, schema.ColumnNames()...), resultColumnName)
	lines := make([][]string, batch.RowCount)
	for i, row := range batch.Rows() {
		line := make([]string, 0, len(header))
		for _, v := range row {
			line = append(line, formatValue(v))
		}
		lines[i] = append(line, formatValue(evbatch.ColumnValue(res, i)))
	}
	log.Debugf("ran %s over %d rows", desc.Signature(), batch.RowCount)
	c.writeTable(out, header, lines)
	return len(lines), nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', 6, 64)
	case bool:
		return strconv.FormatBool(val)
	case string:
		return val
	default:
		panic(fmt.Sprintf("unexpected value type %T", v))
	}
}

func (c *Cli) writeTable(out chan string, columnNames []string, rows [][]string) {
	columnWidths := c.calcColumnWidths(columnNames, rows)
	header := c.formatLine(columnNames, columnWidths, true)
	headerBorder := createHeaderBorder(columnWidths)
	out <- headerBorder
	out <- header
	out <- headerBorder
	for _, row := range rows {
		out <- c.formatLine(row, columnWidths, false)
	}
	if len(rows) > 0 {
		out <- headerBorder
	}
}

func (c *Cli) formatLine(values []string, columnWidths []int, isHeader bool) string {
	sb := &strings.Builder{}
	sb.WriteString("|")
	for i, v := range values {
		sb.WriteRune(' ')
		cw := columnWidths[i]
		v = truncateToWidth(cw, v)
		padded := rightPadToWidth(cw, v)
		if isHeader && c.isStyled() {
			padded = headerStyle.Render(padded)
		}
		sb.WriteString(padded)
		sb.WriteString(" |")
	}
	return sb.String()
}

func (c *Cli) isStyled() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.styled
}

func createHeaderBorder(columnWidths []int) string {
	sb := &strings.Builder{}
	sb.WriteString("+")
	for i, cw := range columnWidths {
		sb.WriteString(strings.Repeat("-", cw+2))
		if i != len(columnWidths)-1 {
			sb.WriteString("-")
		}
	}
	sb.WriteString("+")
	return sb.String()
}

func truncateToWidth(width int, s string) string {
	if lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && lipgloss.Width(string(runes))+2 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + ".."
}

func rightPadToWidth(width int, s string) string {
	padSpaces := width - lipgloss.Width(s)
	if padSpaces <= 0 {
		return s
	}
	return s + strings.Repeat(" ", padSpaces)
}

// calcColumnWidths gives every column the width of its widest value. If that does not fit in the line width the
// columns are split evenly.
func (c *Cli) calcColumnWidths(columnNames []string, rows [][]string) []int {
	c.lock.Lock()
	lineWidth := c.maxLineWidth
	c.lock.Unlock()
	l := len(columnNames)
	if l == 0 {
		return []int{}
	}
	colWidths := make([]int, l)
	total := 1
	for i, name := range columnNames {
		w := lipgloss.Width(name)
		for _, row := range rows {
			w = max(w, lipgloss.Width(row[i]))
		}
		colWidths[i] = max(w, minColWidth)
		total += colWidths[i] + 3
	}
	if total <= lineWidth {
		return colWidths
	}
	even := max((lineWidth-3*l-1)/l, minColWidth)
	for i := range colWidths {
		colWidths[i] = min(colWidths[i], even)
	}
	return colWidths
}

func (c *Cli) formatError(err error) string {
	var uerr errors.UdfError
	msg := err.Error()
	if errors.As(err, &uerr) {
		msg = fmt.Sprintf("%s: %s", uerr.Code, msg)
	} else {
		log.Debugf("statement failed: %+v", err)
	}
	if c.isStyled() {
		return errorStyle.Render(msg)
	}
	return msg
}
