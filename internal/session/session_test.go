package session

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/fcgicore/engine/internal/pipe"
	"github.com/fcgicore/engine/internal/record"
)

func newTestSession(t *testing.T, role record.Role) (*Session, *bytes.Buffer, *bool) {
	var buf bytes.Buffer
	w := record.NewWriter(&buf)
	removed := false
	account := pipe.NewMemoryAccount(1 << 20)
	s := New(Config{
		ID:         1,
		Role:       role,
		Writer:     w,
		RemoveSelf: func() { removed = true },
		NewPipe: func() *pipe.Pipe {
			return pipe.New(pipe.Config{
				MemChunkSize: 4096,
				MaxFileSize:  1 << 20,
				SpillDir:     t.TempDir(),
			}, account)
		},
	})
	return s, &buf, &removed
}

func feedParams(t *testing.T, s *Session, pairs []record.NameValue) {
	t.Helper()
	if err := s.BeginParams(); err != nil {
		t.Fatalf("BeginParams: %v", err)
	}
	encoded := record.EncodeNameValuePairs(pairs)
	if len(encoded) > 0 {
		if _, err := s.ReceiveParams(encoded); err != nil {
			t.Fatalf("ReceiveParams: %v", err)
		}
	}
	ended, err := s.ReceiveParams(nil)
	if err != nil {
		t.Fatalf("ReceiveParams terminator: %v", err)
	}
	if !ended {
		t.Fatal("expected params stream to end")
	}
}

func TestSessionParamsFreezeAfterEnd(t *testing.T) {
	s, _, _ := newTestSession(t, record.RoleResponder)
	feedParams(t, s, []record.NameValue{{Name: "REQUEST_METHOD", Value: "GET"}})

	if s.State() != StateRunning {
		t.Fatalf("expected state Running, got %v", s.State())
	}
	if got := s.Params()["REQUEST_METHOD"]; got != "GET" {
		t.Fatalf("expected REQUEST_METHOD=GET, got %q", got)
	}
}

func TestSessionHeaderEmittedOnce(t *testing.T) {
	s, buf, _ := newTestSession(t, record.RoleResponder)
	feedParams(t, s, nil)

	s.SetField("Content-Type", "text/plain")
	s.Write([]byte("hello"))
	s.Flush()

	if err := s.SetStatus(404); err == nil {
		t.Fatal("expected SetStatus to fail after header sent")
	}
	if err := s.SetField("X-Extra", "v"); err == nil {
		t.Fatal("expected SetField to fail after header sent")
	}

	r := record.NewReader(buf)
	rec, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if !strings.HasPrefix(string(rec.Content), "Status: 200 OK\r\n") {
		t.Fatalf("expected header to start with status line, got %q", rec.Content)
	}
	if !strings.Contains(string(rec.Content), "Content-Type: text/plain\r\n") {
		t.Fatalf("expected Content-Type field, got %q", rec.Content)
	}
	if !strings.HasSuffix(string(rec.Content), "\r\n\r\nhello") {
		t.Fatalf("expected header blank line then body, got %q", rec.Content)
	}
}

func TestSessionRejectsReservedStatusField(t *testing.T) {
	s, _, _ := newTestSession(t, record.RoleResponder)
	if err := s.SetField("Status", "200 OK"); err == nil {
		t.Fatal("expected SetField(\"Status\", ...) to be rejected")
	}
	var lse *LocalStateError
	if err := s.SetField("Status", "200 OK"); !errors.As(err, &lse) {
		t.Fatalf("expected *LocalStateError, got %T", err)
	}
}

func TestSessionAuthorizerAutoPromotesTo401(t *testing.T) {
	s, buf, _ := newTestSession(t, record.RoleAuthorizer)
	feedParams(t, s, nil)

	if err := s.AddField("X-Auth-Reason", "missing token"); err != nil {
		t.Fatalf("AddField: %v", err)
	}
	s.Flush()

	rec, _ := record.NewReader(buf).ReadRecord()
	if !strings.HasPrefix(string(rec.Content), "Status: 401 Unauthorized\r\n") {
		t.Fatalf("expected header to be promoted to 401, got %q", rec.Content)
	}

	if s.StdinReader() != nil {
		t.Fatal("expected Authorizer session to have no stdin reader")
	}
}

func TestSessionAuthorizerVariableNoPromotion(t *testing.T) {
	s, buf, _ := newTestSession(t, record.RoleAuthorizer)
	feedParams(t, s, nil)

	if err := s.SetVariable("REMOTE_USER", "alice"); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	s.Flush()

	r := record.NewReader(buf)
	rec, _ := r.ReadRecord()
	if strings.Contains(string(rec.Content), "Status: 401") {
		t.Fatal("setting a variable should not auto-promote to 401")
	}
	if !strings.Contains(string(rec.Content), "Variable-REMOTE_USER: alice\r\n") {
		t.Fatalf("expected Variable-REMOTE_USER field, got %q", rec.Content)
	}
}

func TestSessionFinishNormalWritesSingleEndRequest(t *testing.T) {
	s, buf, removed := newTestSession(t, record.RoleResponder)
	feedParams(t, s, nil)
	s.Exit(7)

	if err := s.Finish(OutcomeNormal, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !*removed {
		t.Fatal("expected RemoveSelf to be called")
	}
	if s.State() != StateClosed {
		t.Fatalf("expected state Closed, got %v", s.State())
	}

	r := record.NewReader(buf)
	var endRequests int
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		if rec.Header.Type == record.TypeEndRequest {
			endRequests++
			body, err := record.DecodeEndRequest(rec.Content)
			if err != nil {
				t.Fatalf("DecodeEndRequest: %v", err)
			}
			if body.AppStatus != 7 {
				t.Fatalf("expected app status 7, got %d", body.AppStatus)
			}
		}
	}
	if endRequests != 1 {
		t.Fatalf("expected exactly one END_REQUEST, got %d", endRequests)
	}

	// Finish is idempotent.
	if err := s.Finish(OutcomeNormal, nil); err != nil {
		t.Fatalf("second Finish: %v", err)
	}
}

func TestSessionFinishCancelledMapsToNegativeOne(t *testing.T) {
	s, buf, _ := newTestSession(t, record.RoleResponder)
	feedParams(t, s, nil)

	if err := s.Finish(OutcomeCancelled, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r := record.NewReader(buf)
	for {
		rec, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		if rec.Header.Type == record.TypeEndRequest {
			body, _ := record.DecodeEndRequest(rec.Content)
			if int32(body.AppStatus) != -1 {
				t.Fatalf("expected app status -1, got %d", int32(body.AppStatus))
			}
			return
		}
	}
}

func TestSessionFinishErrorEmits501AndStderr(t *testing.T) {
	s, buf, removed := newTestSession(t, record.RoleResponder)
	feedParams(t, s, nil)

	appErr := errors.New("handler exploded")
	if err := s.Finish(OutcomeError, appErr); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !*removed {
		t.Fatal("expected RemoveSelf to be called")
	}

	r := record.NewReader(buf)
	var sawStdout, sawStderr bool
	var endRequests int
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		switch rec.Header.Type {
		case record.TypeStdout:
			if strings.HasPrefix(string(rec.Content), "Status: 501 Not Implemented\r\n") {
				sawStdout = true
			}
		case record.TypeStderr:
			if len(rec.Content) > 0 && strings.Contains(string(rec.Content), "handler exploded") {
				sawStderr = true
			}
		case record.TypeEndRequest:
			endRequests++
			body, err := record.DecodeEndRequest(rec.Content)
			if err != nil {
				t.Fatalf("DecodeEndRequest: %v", err)
			}
			if int32(body.AppStatus) != -2 {
				t.Fatalf("expected app status -2, got %d", int32(body.AppStatus))
			}
		}
	}
	if !sawStdout {
		t.Fatal("expected a 501 Not Implemented status line on STDOUT")
	}
	if !sawStderr {
		t.Fatal("expected the application error text on STDERR")
	}
	if endRequests != 1 {
		t.Fatalf("expected exactly one END_REQUEST, got %d", endRequests)
	}
}

func TestSessionStdinCloseSignalsEOF(t *testing.T) {
	s, _, _ := newTestSession(t, record.RoleResponder)
	feedParams(t, s, nil)

	if err := s.WriteStdin([]byte("payload")); err != nil {
		t.Fatalf("WriteStdin: %v", err)
	}
	if err := s.WriteStdin(nil); err != nil {
		t.Fatalf("WriteStdin close: %v", err)
	}

	got, err := io.ReadAll(s.StdinReader())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", got)
	}
}
