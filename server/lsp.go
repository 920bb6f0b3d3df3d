package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/nai/compiler"
	"github.com/chazu/nai/vm"
)

const lspName = "nai-lsp"

// document is an open editor buffer and its last analysis.
type document struct {
	text string
	// mod is the most recent module that got through parsing. It survives
	// later parse errors so completion keeps working while typing.
	mod *compiler.Module
	// stale is set when mod was analyzed from older text.
	stale bool
}

// LspServer provides diagnostics, completion, hover and navigation for Nai
// sources by running the front end on every change.
type LspServer struct {
	natives *vm.Natives

	mu   sync.Mutex
	docs map[string]*document // URI → document

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server. natives may be nil for the builtins.
func NewLSP(natives *vm.Natives) *LspServer {
	if natives == nil {
		natives = vm.Builtins()
	}
	s := &LspServer{
		natives: natives,
		docs:    make(map[string]*document),
		version: compiler.Version,
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "Nai LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	diagnostics := s.update(uri, params.TextDocument.Text)
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			diagnostics := s.update(uri, whole.Text)
			go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
				URI:         uri,
				Diagnostics: diagnostics,
			})
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	return s.complete(params.TextDocument.URI, params.Position), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	return s.hover(params.TextDocument.URI, params.Position), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	loc := s.definition(params.TextDocument.URI, params.Position)
	if loc == nil {
		return nil, nil
	}
	return *loc, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	return s.references(params.TextDocument.URI, params.Position, params.Context.IncludeDeclaration), nil
}

// --- Analysis ---

// update stores new text for uri, analyzes it and returns its diagnostics.
func (s *LspServer) update(uri protocol.DocumentUri, text string) []protocol.Diagnostic {
	mod, err := compiler.Check(string(uri), text, s.natives)

	s.mu.Lock()
	doc, ok := s.docs[string(uri)]
	if !ok {
		doc = &document{}
		s.docs[string(uri)] = doc
	}
	doc.text = text
	if mod != nil {
		doc.mod = mod
	}
	doc.stale = mod == nil
	s.mu.Unlock()

	out := []protocol.Diagnostic{}
	if err == nil {
		return out
	}
	severity := protocol.DiagnosticSeverityError
	source := lspName
	ds := diagnostics(err)
	log.Debugf("%s: %d diagnostics", uri, len(ds))
	for _, d := range ds {
		pos := protocol.Position{Line: uint32(max(d.Line-1, 0)), Character: uint32(max(d.Column-1, 0))}
		end := pos
		end.Character++
		out = append(out, protocol.Diagnostic{
			Range:    protocol.Range{Start: pos, End: end},
			Severity: &severity,
			Source:   &source,
			Message:  d.Message,
		})
	}
	return out
}

// lookup returns the text and last module of an open document.
func (s *LspServer) lookup(uri protocol.DocumentUri) (string, *compiler.Module, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[string(uri)]
	if !ok {
		return "", nil, false
	}
	return doc.text, doc.mod, true
}

// current is lookup restricted to modules analyzed from the current text,
// for features that need exact offsets.
func (s *LspServer) current(uri protocol.DocumentUri) (string, *compiler.Module, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[string(uri)]
	if !ok || doc.stale || doc.mod == nil {
		return "", nil, false
	}
	return doc.text, doc.mod, true
}

func (s *LspServer) complete(uri protocol.DocumentUri, pos protocol.Position) []protocol.CompletionItem {
	text, mod, ok := s.lookup(uri)
	if !ok {
		return nil
	}
	prefix := extractPrefix(text, pos)
	if prefix == "" {
		return nil
	}

	var items []protocol.CompletionItem
	seen := make(map[string]bool)
	add := func(label string, kind protocol.CompletionItemKind, detail string) {
		if seen[label] || !strings.HasPrefix(label, prefix) {
			return
		}
		seen[label] = true
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &label,
		})
	}

	if mod != nil {
		for _, d := range mod.ScopeAt(offsetOf(text, pos)).Visible() {
			switch d.Kind {
			case compiler.DeclFunction:
				add(d.Name, protocol.CompletionItemKindFunction, d.String())
			case compiler.DeclType:
				add(d.Name, protocol.CompletionItemKindStruct, d.String())
			default:
				add(d.Name, protocol.CompletionItemKindVariable, d.Type.String())
			}
		}
	}
	for _, kw := range compiler.Keywords() {
		add(kw, protocol.CompletionItemKindKeyword, "keyword")
	}
	for _, name := range compiler.DefaultTypes().Names() {
		add(name, protocol.CompletionItemKindTypeParameter, "builtin type")
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Label < items[j].Label })

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

// referenceAt resolves the identifier under the cursor.
func (s *LspServer) referenceAt(uri protocol.DocumentUri, pos protocol.Position) (compiler.Reference, *compiler.Module, bool) {
	text, mod, ok := s.current(uri)
	if !ok {
		return compiler.Reference{}, nil, false
	}
	ref, ok := mod.ReferenceAt(offsetOf(text, pos))
	return ref, mod, ok
}

func (s *LspServer) hover(uri protocol.DocumentUri, pos protocol.Position) *protocol.Hover {
	ref, _, ok := s.referenceAt(uri, pos)
	if !ok {
		return nil
	}
	d := ref.Decl

	var b strings.Builder
	fmt.Fprintf(&b, "```nai\n%s\n```", d)
	switch {
	case d.Native != nil:
		b.WriteString("\n\nnative function")
	case d.Kind == compiler.DeclType:
		fmt.Fprintf(&b, "\n\nsize %d, align %d", d.Type.Size, d.Type.Align)
	case d.IsParam:
		fmt.Fprintf(&b, "\n\nparameter %d", d.ParamIndex+1)
	}

	r := spanRange(ref.Span)
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
		Range: &r,
	}
}

func (s *LspServer) definition(uri protocol.DocumentUri, pos protocol.Position) *protocol.Location {
	ref, _, ok := s.referenceAt(uri, pos)
	if !ok || ref.Decl.Native != nil || ref.Decl.Pos.Line == 0 {
		return nil
	}
	p := toProtocol(ref.Decl.Pos)
	return &protocol.Location{URI: uri, Range: protocol.Range{Start: p, End: p}}
}

func (s *LspServer) references(uri protocol.DocumentUri, pos protocol.Position, includeDecl bool) []protocol.Location {
	ref, mod, ok := s.referenceAt(uri, pos)
	if !ok {
		return nil
	}
	var locations []protocol.Location
	if includeDecl && ref.Decl.Native == nil && ref.Decl.Pos.Line > 0 {
		p := toProtocol(ref.Decl.Pos)
		locations = append(locations, protocol.Location{URI: uri, Range: protocol.Range{Start: p, End: p}})
	}
	for _, r := range mod.References {
		if r.Decl == ref.Decl {
			locations = append(locations, protocol.Location{URI: uri, Range: spanRange(r.Span)})
		}
	}
	return locations
}

// --- Position helpers ---

func toProtocol(p compiler.Position) protocol.Position {
	return protocol.Position{Line: uint32(max(p.Line-1, 0)), Character: uint32(max(p.Column-1, 0))}
}

func spanRange(sp compiler.Span) protocol.Range {
	return protocol.Range{Start: toProtocol(sp.Start), End: toProtocol(sp.End)}
}

// offsetOf converts a line/character position to a byte offset in text.
// Characters are counted as bytes.
func offsetOf(text string, pos protocol.Position) int {
	offset := 0
	for line := uint32(0); line < pos.Line; line++ {
		i := strings.IndexByte(text[offset:], '\n')
		if i < 0 {
			return len(text)
		}
		offset += i + 1
	}
	end := strings.IndexByte(text[offset:], '\n')
	if end < 0 {
		end = len(text) - offset
	}
	return offset + min(int(pos.Character), end)
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isIdentByte(line[start-1]) {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

func isIdentByte(b byte) bool {
	ch := rune(b)
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

func boolPtr(b bool) *bool {
	return &b
}
