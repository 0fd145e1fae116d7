package admission

import (
	"context"
	"strings"
	"testing"

	"github.com/waldiez/runner/pkg/apperr"
	"github.com/waldiez/runner/pkg/model"
	"github.com/waldiez/runner/pkg/storage"
	"github.com/waldiez/runner/pkg/store"
)

func newTestController(t *testing.T, maxJobs int) *Controller {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	backend, err := storage.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	return NewController(st, backend, maxJobs)
}

func TestAdmitHappyPath(t *testing.T) {
	c := newTestController(t, 0)
	ctx := context.Background()

	result, err := c.Admit(ctx, Input{
		ClientID:    "client-a",
		EnvVarsJSON: `{"FOO": "bar"}`,
		Upload:      &UploadInput{Reader: strings.NewReader("{}"), Filename: "hello.waldiez"},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.FlowID == "" || result.Filename != "hello.waldiez" {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.EnvVars["FOO"] != "bar" {
		t.Errorf("expected sanitized env var FOO=bar, got %+v", result.EnvVars)
	}
}

func TestAdmitRejectsTooManyActive(t *testing.T) {
	c := newTestController(t, 1)
	ctx := context.Background()

	if _, err := c.Store.CreateTask(ctx, model.TaskCreate{ClientID: "client-a", FlowID: "existing", Filename: "x.json"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	_, err := c.Admit(ctx, Input{
		ClientID: "client-a",
		Upload:   &UploadInput{Reader: strings.NewReader("{}"), Filename: "hello.waldiez"},
	})
	if apperr.KindOf(err) != apperr.KindTooManyActive {
		t.Fatalf("expected KindTooManyActive, got %v (%v)", apperr.KindOf(err), err)
	}
}

func TestAdmitRejectsNonNoneSchedule(t *testing.T) {
	c := newTestController(t, 0)
	_, err := c.Admit(context.Background(), Input{
		ClientID:     "client-a",
		ScheduleType: model.ScheduleCron,
		Upload:       &UploadInput{Reader: strings.NewReader("{}"), Filename: "hello.waldiez"},
	})
	if apperr.KindOf(err) != apperr.KindNotImplemented {
		t.Fatalf("expected KindNotImplemented, got %v (%v)", apperr.KindOf(err), err)
	}
}

func TestAdmitRejectsZeroOrMultipleSources(t *testing.T) {
	c := newTestController(t, 0)
	_, err := c.Admit(context.Background(), Input{ClientID: "client-a"})
	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput for no source, got %v", err)
	}

	_, err = c.Admit(context.Background(), Input{
		ClientID: "client-a",
		Upload:   &UploadInput{Reader: strings.NewReader("{}"), Filename: "a.json"},
		URL:      "https://example.com/a.json",
	})
	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput for two sources, got %v", err)
	}
}

func TestAdmitDuplicateFlowWithoutForceFails(t *testing.T) {
	c := newTestController(t, 0)
	ctx := context.Background()

	first, err := c.Admit(ctx, Input{
		ClientID: "client-a",
		Upload:   &UploadInput{Reader: strings.NewReader(`{"a":1}`), Filename: "dup.waldiez"},
	})
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	if _, err := c.Store.CreateTask(ctx, model.TaskCreate{ClientID: "client-a", FlowID: first.FlowID, Filename: first.Filename}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	_, err = c.Admit(ctx, Input{
		ClientID: "client-a",
		Upload:   &UploadInput{Reader: strings.NewReader(`{"a":1}`), Filename: "dup.waldiez"},
	})
	if apperr.KindOf(err) != apperr.KindDuplicateFlow {
		t.Fatalf("expected KindDuplicateFlow, got %v (%v)", apperr.KindOf(err), err)
	}
}

func TestAdmitDuplicateFlowWithForceSucceeds(t *testing.T) {
	c := newTestController(t, 0)
	ctx := context.Background()

	first, err := c.Admit(ctx, Input{
		ClientID: "client-a",
		Upload:   &UploadInput{Reader: strings.NewReader(`{"a":1}`), Filename: "dup.waldiez"},
	})
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	if _, err := c.Store.CreateTask(ctx, model.TaskCreate{ClientID: "client-a", FlowID: first.FlowID, Filename: first.Filename}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	second, err := c.Admit(ctx, Input{
		ClientID: "client-a",
		Force:    true,
		Upload:   &UploadInput{Reader: strings.NewReader(`{"a":1}`), Filename: "dup.waldiez"},
	})
	if err != nil {
		t.Fatalf("forced Admit: %v", err)
	}
	if second.FlowID == first.FlowID {
		t.Errorf("expected forced resubmission to mint a fresh flow_id, got same %q", second.FlowID)
	}
}

func TestAdmitRejectsProtectedEnvVar(t *testing.T) {
	c := newTestController(t, 0)
	_, err := c.Admit(context.Background(), Input{
		ClientID:    "client-a",
		EnvVarsJSON: `{"PATH": "/x"}`,
		Upload:      &UploadInput{Reader: strings.NewReader("{}"), Filename: "hello.waldiez"},
	})
	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput for protected env var, got %v (%v)", apperr.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "protected") {
		t.Errorf("expected error to mention 'protected', got %v", err)
	}
}

func TestAdmitRejectsUnsafeEnvValue(t *testing.T) {
	c := newTestController(t, 0)
	_, err := c.Admit(context.Background(), Input{
		ClientID:    "client-a",
		EnvVarsJSON: `{"FOO": "a; rm -rf /"}`,
		Upload:      &UploadInput{Reader: strings.NewReader("{}"), Filename: "hello.waldiez"},
	})
	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput for unsafe env value, got %v", err)
	}
	if !strings.Contains(err.Error(), "unsafe characters") {
		t.Errorf("expected error to mention 'unsafe characters', got %v", err)
	}
}
