package command

import (
	"context"
	"fmt"
	"testing"

	pebblestore "github.com/rzbill/strata/internal/storage/pebble"
	"github.com/rzbill/strata/internal/store"
)

func TestTokenizeQuotedLiterals(t *testing.T) {
	tokens, err := tokenize(`QUEUE ACK '{"rows": [1, ''two'']}' 'builds:job'`)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if len(tokens) != 4 {
		t.Fatalf("token count = %d, want 4", len(tokens))
	}
	if tokens[0].quoted || tokens[1].quoted {
		t.Fatalf("keywords parsed as literals: %+v", tokens[:2])
	}
	if got := tokens[2].text; got != `{"rows": [1, 'two']}` {
		t.Fatalf("literal = %q", got)
	}
	if !tokens[3].quoted || tokens[3].text != "builds:job" {
		t.Fatalf("key token = %+v", tokens[3])
	}
}

func TestTokenizeUnterminatedLiteral(t *testing.T) {
	if _, err := tokenize(`QUEUE GET 'oops`); err == nil {
		t.Fatal("expected error for unterminated literal")
	}
}

func TestQuoteLiteralRoundTrip(t *testing.T) {
	in := `it's a 'test' value`
	tokens, err := tokenize("X " + QuoteLiteral(in))
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if len(tokens) != 2 || tokens[1].text != in {
		t.Fatalf("round trip = %+v", tokens)
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := store.Open(db, store.Options{})
	t.Cleanup(s.Close)
	return NewHandler(s, nil)
}

func mustExec(t *testing.T, h *Handler, format string, args ...any) *Result {
	t.Helper()
	res, err := h.Execute(context.Background(), fmt.Sprintf(format, args...))
	if err != nil {
		t.Fatalf("execute %q: %v", fmt.Sprintf(format, args...), err)
	}
	return res
}

func cellValue(t *testing.T, res *Result, row int, column string) string {
	t.Helper()
	for i, c := range res.Columns {
		if c != column {
			continue
		}
		if row >= len(res.Rows) {
			t.Fatalf("row %d out of range (%d rows)", row, len(res.Rows))
		}
		v := res.Rows[row][i]
		if v == nil {
			t.Fatalf("cell %s[%d] is null", column, row)
		}
		return *v
	}
	t.Fatalf("no column %q in %v", column, res.Columns)
	return ""
}

func TestQueueAddCommand(t *testing.T) {
	h := newTestHandler(t)

	res := mustExec(t, h, `QUEUE ADD PRIORITY 10 'builds:abc' '{"sql":"SELECT 1"}'`)
	if got := cellValue(t, res, 0, "added"); got != "1" {
		t.Fatalf("added = %s", got)
	}
	if got := cellValue(t, res, 0, "pending"); got != "1" {
		t.Fatalf("pending = %s", got)
	}

	// Duplicate add is reported, not repeated.
	res = mustExec(t, h, `QUEUE ADD PRIORITY 10 'builds:abc' '{}'`)
	if got := cellValue(t, res, 0, "added"); got != "0" {
		t.Fatalf("duplicate added = %s", got)
	}

	// With an orphan deadline.
	res = mustExec(t, h, `QUEUE ADD PRIORITY 0 ORPHANED 120 'builds:xyz' '{}'`)
	if got := cellValue(t, res, 0, "added"); got != "1" {
		t.Fatalf("orphaned-form added = %s", got)
	}
}

func TestQueueRetrieveCommandAdmission(t *testing.T) {
	h := newTestHandler(t)

	mustExec(t, h, `QUEUE ADD PRIORITY 0 'builds:a' '{"t":"a"}'`)
	mustExec(t, h, `QUEUE ADD PRIORITY 0 'builds:b' '{"t":"b"}'`)

	res := mustExec(t, h, `QUEUE RETRIEVE EXTENDED CONCURRENCY 1 'builds:a'`)
	if got := cellValue(t, res, 0, "payload"); got != `{"t":"a"}` {
		t.Fatalf("payload = %s", got)
	}

	// Admission control: concurrency 1 with one active item refuses work
	// even though builds:b is pending.
	res = mustExec(t, h, `QUEUE RETRIEVE EXTENDED CONCURRENCY 1 'builds:b'`)
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(res.Rows))
	}
	if res.Rows[0][3] != nil {
		t.Fatalf("payload handed out past concurrency limit: %s", *res.Rows[0][3])
	}
	if got := cellValue(t, res, 0, "active"); got != "a" {
		t.Fatalf("active = %s", got)
	}
}

func TestQueueAckAndResultCommands(t *testing.T) {
	h := newTestHandler(t)

	mustExec(t, h, `QUEUE ADD PRIORITY 0 'builds:j' '{}'`)
	mustExec(t, h, `QUEUE RETRIEVE CONCURRENCY 1 'builds:j'`)

	res := mustExec(t, h, `QUEUE ACK '{"ok":true}' 'builds:j'`)
	if got := cellValue(t, res, 0, "found"); got != "1" {
		t.Fatalf("found = %s", got)
	}

	res = mustExec(t, h, `QUEUE RESULT 'builds:j'`)
	if got := cellValue(t, res, 0, "value"); got != `{"ok":true}` {
		t.Fatalf("value = %s", got)
	}
	// Consumed.
	res = mustExec(t, h, `QUEUE RESULT 'builds:j'`)
	if len(res.Rows) != 0 {
		t.Fatalf("result not consumed: %v", res.Rows)
	}
}

func TestQueueListCommands(t *testing.T) {
	h := newTestHandler(t)

	mustExec(t, h, `QUEUE ADD PRIORITY 0 'builds:a' '{"n":1}'`)
	mustExec(t, h, `QUEUE ADD PRIORITY 0 'builds:b' '{"n":2}'`)
	mustExec(t, h, `QUEUE RETRIEVE CONCURRENCY 2 'builds:a'`)

	res := mustExec(t, h, `QUEUE ACTIVE 'builds'`)
	if len(res.Rows) != 1 || cellValue(t, res, 0, "key") != "builds:a" {
		t.Fatalf("active = %v", res.Rows)
	}
	res = mustExec(t, h, `QUEUE PENDING 'builds'`)
	if len(res.Rows) != 1 || cellValue(t, res, 0, "key") != "builds:b" {
		t.Fatalf("pending = %v", res.Rows)
	}
	res = mustExec(t, h, `QUEUE LIST WITH_PAYLOAD 'builds'`)
	if len(res.Rows) != 2 {
		t.Fatalf("list = %v", res.Rows)
	}
	if got := cellValue(t, res, 0, "payload"); got != `{"n":1}` {
		t.Fatalf("list payload = %s", got)
	}
}

func TestCacheCommands(t *testing.T) {
	h := newTestHandler(t)

	res := mustExec(t, h, `CACHE SET NX TTL 60 'lock/build' '1'`)
	if got := cellValue(t, res, 0, "success"); got != "1" {
		t.Fatalf("first set = %s", got)
	}
	res = mustExec(t, h, `CACHE SET NX TTL 60 'lock/build' '2'`)
	if got := cellValue(t, res, 0, "success"); got != "0" {
		t.Fatalf("nx second set = %s", got)
	}

	res = mustExec(t, h, `CACHE GET 'lock/build'`)
	if got := cellValue(t, res, 0, "value"); got != "1" {
		t.Fatalf("get = %s", got)
	}

	res = mustExec(t, h, `CACHE INCR 'ids/proc'`)
	if got := cellValue(t, res, 0, "value"); got != "1" {
		t.Fatalf("incr = %s", got)
	}
	res = mustExec(t, h, `CACHE INCR 'ids/proc'`)
	if got := cellValue(t, res, 0, "value"); got != "2" {
		t.Fatalf("incr = %s", got)
	}

	res = mustExec(t, h, `CACHE KEYS 'lock/'`)
	if len(res.Rows) != 1 || cellValue(t, res, 0, "key") != "lock/build" {
		t.Fatalf("keys = %v", res.Rows)
	}

	res = mustExec(t, h, `CACHE REMOVE 'lock/build'`)
	if got := cellValue(t, res, 0, "removed"); got != "1" {
		t.Fatalf("remove = %s", got)
	}
}

func TestUnknownCommandErrors(t *testing.T) {
	h := newTestHandler(t)
	for _, cmd := range []string{
		"SELECT 1",
		"QUEUE FROBNICATE 'x'",
		"CACHE SET 'a' 'b'",
		"QUEUE ADD PRIORITY notanumber 'k' '{}'",
	} {
		if _, err := h.Execute(context.Background(), cmd); err == nil {
			t.Fatalf("no error for %q", cmd)
		}
	}
}
