package composer

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrManifest is returned for action text that does not follow the
// manifest grammar.
var ErrManifest = errors.New("manifest error")

// Value kinds produced by the parser.
const (
	KindString = "string"
	KindNumber = "number"
	KindIdent  = "ident"
	KindCall   = "call"
)

// Value is one instruction argument. Typed values such as Address("...") or
// Array<Bucket>(...) are calls with a type name and nested arguments.
type Value struct {
	Kind string
	Text string
	Args []Value
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return quote(v.Text)
	case KindCall:
		parts := make([]string, len(v.Args))
		for i, arg := range v.Args {
			parts[i] = arg.String()
		}
		return v.Text + "(" + strings.Join(parts, ", ") + ")"
	default:
		return v.Text
	}
}

// StringArg returns the inner string of a string literal or of a single
// string typed value such as Address("...").
func (v Value) StringArg() (string, bool) {
	if v.Kind == KindString {
		return v.Text, true
	}
	if v.Kind == KindCall && len(v.Args) == 1 && v.Args[0].Kind == KindString {
		return v.Args[0].Text, true
	}
	return "", false
}

// Instruction is a single manifest instruction.
type Instruction struct {
	Name string
	Args []Value
}

func (i Instruction) String() string {
	var b strings.Builder
	b.WriteString(i.Name)
	for _, arg := range i.Args {
		b.WriteByte(' ')
		b.WriteString(arg.String())
	}
	b.WriteByte(';')
	return b.String()
}

// Manifest is a parsed list of instructions.
type Manifest struct {
	Instructions []Instruction
}

// Lines renders the canonical text of every instruction.
func (m *Manifest) Lines() []string {
	out := make([]string, len(m.Instructions))
	for i, ins := range m.Instructions {
		out[i] = ins.String()
	}
	return out
}

func (m *Manifest) String() string {
	return strings.Join(m.Lines(), "\n")
}

const yieldToParent = "YIELD_TO_PARENT"

// EnsureYieldToParent appends the sub-action trailer unless the manifest
// already ends with it.
func (m *Manifest) EnsureYieldToParent() {
	if n := len(m.Instructions); n > 0 && m.Instructions[n-1].Name == yieldToParent {
		return
	}
	m.Instructions = append(m.Instructions, Instruction{Name: yieldToParent})
}

var knownInstructions = map[string]struct{}{
	"TAKE_FROM_WORKTOP":                            {},
	"TAKE_NON_FUNGIBLES_FROM_WORKTOP":              {},
	"TAKE_ALL_FROM_WORKTOP":                        {},
	"RETURN_TO_WORKTOP":                            {},
	"BURN_RESOURCE":                                {},
	"ASSERT_WORKTOP_CONTAINS":                      {},
	"ASSERT_WORKTOP_CONTAINS_ANY":                  {},
	"ASSERT_WORKTOP_CONTAINS_NON_FUNGIBLES":        {},
	"ASSERT_WORKTOP_IS_EMPTY":                      {},
	"ASSERT_WORKTOP_RESOURCES_ONLY":                {},
	"ASSERT_WORKTOP_RESOURCES_INCLUDE":             {},
	"ASSERT_NEXT_CALL_RETURNS_ONLY":                {},
	"ASSERT_NEXT_CALL_RETURNS_INCLUDE":             {},
	"ASSERT_BUCKET_CONTENTS":                       {},
	"POP_FROM_AUTH_ZONE":                           {},
	"PUSH_TO_AUTH_ZONE":                            {},
	"CREATE_PROOF_FROM_AUTH_ZONE_OF_AMOUNT":        {},
	"CREATE_PROOF_FROM_AUTH_ZONE_OF_NON_FUNGIBLES": {},
	"CREATE_PROOF_FROM_AUTH_ZONE_OF_ALL":           {},
	"CREATE_PROOF_FROM_BUCKET_OF_AMOUNT":           {},
	"CREATE_PROOF_FROM_BUCKET_OF_NON_FUNGIBLES":    {},
	"CREATE_PROOF_FROM_BUCKET_OF_ALL":              {},
	"DROP_AUTH_ZONE_PROOFS":                        {},
	"DROP_AUTH_ZONE_SIGNATURE_PROOFS":              {},
	"DROP_AUTH_ZONE_REGULAR_PROOFS":                {},
	"CLONE_PROOF":                                  {},
	"DROP_PROOF":                                   {},
	"DROP_NAMED_PROOFS":                            {},
	"DROP_ALL_PROOFS":                              {},
	"CALL_FUNCTION":                                {},
	"CALL_METHOD":                                  {},
	"CALL_ROYALTY_METHOD":                          {},
	"CALL_METADATA_METHOD":                         {},
	"CALL_ROLE_ASSIGNMENT_METHOD":                  {},
	"CALL_DIRECT_VAULT_METHOD":                     {},
	"ALLOCATE_GLOBAL_ADDRESS":                      {},
	"USE_CHILD":                                    {},
	"YIELD_TO_PARENT":                              {},
	"YIELD_TO_CHILD":                               {},
	"VERIFY_PARENT":                                {},
}

// ParseManifest parses action text into instructions. Instructions are
// separated by semicolons; // starts a comment that runs to end of line.
func ParseManifest(text string) (*Manifest, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	manifest := &Manifest{}
	for !p.done() {
		ins, err := p.instruction()
		if err != nil {
			return nil, err
		}
		manifest.Instructions = append(manifest.Instructions, ins)
	}
	if len(manifest.Instructions) == 0 {
		return nil, fmt.Errorf("%w: no instructions", ErrManifest)
	}
	return manifest, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokSemicolon
)

type token struct {
	kind tokenKind
	text string
	line int
}

func tokenize(text string) ([]token, error) {
	var tokens []token
	runes := []rune(text)
	line := 1
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == '\n':
			line++
			i++
		case unicode.IsSpace(r):
			i++
		case r == '/' && i+1 < len(runes) && runes[i+1] == '/':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", line: line})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", line: line})
			i++
		case r == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", line: line})
			i++
		case r == ';':
			tokens = append(tokens, token{kind: tokSemicolon, text: ";", line: line})
			i++
		case r == '"':
			var b strings.Builder
			i++
			closed := false
			for i < len(runes) {
				c := runes[i]
				if c == '\\' && i+1 < len(runes) {
					switch runes[i+1] {
					case 'n':
						b.WriteRune('\n')
					case 't':
						b.WriteRune('\t')
					default:
						b.WriteRune(runes[i+1])
					}
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				if c == '\n' {
					line++
				}
				b.WriteRune(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("%w: line %d: unterminated string", ErrManifest, line)
			}
			tokens = append(tokens, token{kind: tokString, text: b.String(), line: line})
		case r == '-' || unicode.IsDigit(r):
			start := i
			i++
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: string(runes[start:i]), line: line})
		case unicode.IsLetter(r) || r == '_':
			start := i
			depth := 0
			for i < len(runes) {
				c := runes[i]
				if c == '<' {
					depth++
				} else if c == '>' {
					if depth == 0 {
						break
					}
					depth--
				} else if depth == 0 && !(unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_') {
					break
				} else if depth > 0 && !(unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == ',' || c == ' ') {
					return nil, fmt.Errorf("%w: line %d: invalid type parameter %q", ErrManifest, line, string(c))
				}
				i++
			}
			if depth != 0 {
				return nil, fmt.Errorf("%w: line %d: unbalanced type parameters", ErrManifest, line)
			}
			tokens = append(tokens, token{kind: tokIdent, text: strings.ReplaceAll(string(runes[start:i]), " ", ""), line: line})
		default:
			return nil, fmt.Errorf("%w: line %d: unexpected character %q", ErrManifest, line, string(r))
		}
	}
	return tokens, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() *token {
	if p.done() {
		return nil
	}
	return &p.tokens[p.pos]
}

func (p *parser) lastLine() int {
	if len(p.tokens) == 0 {
		return 1
	}
	return p.tokens[len(p.tokens)-1].line
}

func (p *parser) instruction() (Instruction, error) {
	tok := p.peek()
	if tok.kind != tokIdent {
		return Instruction{}, fmt.Errorf("%w: line %d: expected instruction, got %q", ErrManifest, tok.line, tok.text)
	}
	if _, ok := knownInstructions[tok.text]; !ok {
		return Instruction{}, fmt.Errorf("%w: line %d: unknown instruction %s", ErrManifest, tok.line, tok.text)
	}
	ins := Instruction{Name: tok.text}
	p.pos++
	for {
		next := p.peek()
		if next == nil {
			return Instruction{}, fmt.Errorf("%w: line %d: missing ';' after %s", ErrManifest, p.lastLine(), ins.Name)
		}
		if next.kind == tokSemicolon {
			p.pos++
			return ins, nil
		}
		value, err := p.value()
		if err != nil {
			return Instruction{}, err
		}
		ins.Args = append(ins.Args, value)
	}
}

func (p *parser) value() (Value, error) {
	tok := p.peek()
	if tok == nil {
		return Value{}, fmt.Errorf("%w: line %d: unexpected end of input", ErrManifest, p.lastLine())
	}
	p.pos++
	switch tok.kind {
	case tokString:
		return Value{Kind: KindString, Text: tok.text}, nil
	case tokNumber:
		return Value{Kind: KindNumber, Text: tok.text}, nil
	case tokIdent:
		next := p.peek()
		if next == nil || next.kind != tokLParen {
			return Value{Kind: KindIdent, Text: tok.text}, nil
		}
		p.pos++
		call := Value{Kind: KindCall, Text: tok.text}
		for {
			next = p.peek()
			if next == nil {
				return Value{}, fmt.Errorf("%w: line %d: unclosed '(' after %s", ErrManifest, tok.line, tok.text)
			}
			if next.kind == tokRParen {
				p.pos++
				return call, nil
			}
			if len(call.Args) > 0 {
				if next.kind != tokComma {
					return Value{}, fmt.Errorf("%w: line %d: expected ',' in %s", ErrManifest, next.line, tok.text)
				}
				p.pos++
			}
			arg, err := p.value()
			if err != nil {
				return Value{}, err
			}
			call.Args = append(call.Args, arg)
		}
	default:
		return Value{}, fmt.Errorf("%w: line %d: unexpected %q", ErrManifest, tok.line, tok.text)
	}
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + r.Replace(s) + `"`
}
