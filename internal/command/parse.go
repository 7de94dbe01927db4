package command

import (
	"fmt"
	"strings"
)

// token is one word of a command. Quoted tokens are string literals and are
// never matched against keywords.
type token struct {
	text   string
	quoted bool
}

// tokenize splits a command into keywords and quoted literals. Literals use
// single quotes with '' as the embedded-quote escape, so arbitrary JSON
// payloads travel inside commands without a separate parameter channel.
func tokenize(text string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'':
			var sb strings.Builder
			i++
			closed := false
			for i < len(text) {
				if text[i] == '\'' {
					if i+1 < len(text) && text[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(text[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("command: unterminated string literal")
			}
			tokens = append(tokens, token{text: sb.String(), quoted: true})
		default:
			start := i
			for i < len(text) && text[i] != ' ' && text[i] != '\t' && text[i] != '\n' && text[i] != '\r' {
				i++
			}
			tokens = append(tokens, token{text: text[start:i]})
		}
	}
	return tokens, nil
}

// QuoteLiteral renders a value as a command string literal. Clients use it
// to substitute positional parameters before sending.
func QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// cursor walks a token stream against an expected grammar.
type cursor struct {
	tokens []token
	pos    int
}

func (c *cursor) done() bool { return c.pos >= len(c.tokens) }

// keyword consumes the next token when it equals the given keyword
// (case-insensitive, unquoted only).
func (c *cursor) keyword(kw string) bool {
	if c.done() || c.tokens[c.pos].quoted {
		return false
	}
	if !strings.EqualFold(c.tokens[c.pos].text, kw) {
		return false
	}
	c.pos++
	return true
}

// arg consumes the next token as a value, quoted or not.
func (c *cursor) arg() (string, error) {
	if c.done() {
		return "", fmt.Errorf("command: missing argument")
	}
	t := c.tokens[c.pos]
	c.pos++
	return t.text, nil
}

func (c *cursor) expectEnd() error {
	if !c.done() {
		return fmt.Errorf("command: unexpected trailing token %q", c.tokens[c.pos].text)
	}
	return nil
}
