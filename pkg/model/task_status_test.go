package model

import "testing"

func TestIsTerminal(t *testing.T) {
	terminal := []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s: expected terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%s: expected inactive", s)
		}
	}

	active := []TaskStatus{StatusPending, StatusRunning, StatusWaitingForInput}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s: expected non-terminal", s)
		}
		if !s.IsActive() {
			t.Errorf("%s: expected active", s)
		}
	}
}

func TestValid(t *testing.T) {
	if TaskStatus("BOGUS").Valid() {
		t.Error("expected BOGUS to be invalid")
	}
	if !StatusPending.Valid() {
		t.Error("expected PENDING to be valid")
	}
}

func TestTaskInvariants(t *testing.T) {
	task := &Task{Status: StatusWaitingForInput}
	reqID := "r1"
	task.InputRequestID = &reqID
	if task.Status != StatusWaitingForInput || task.InputRequestID == nil {
		t.Fatal("expected input_request_id set iff WAITING_FOR_INPUT")
	}

	task2 := &Task{Status: StatusRunning}
	if task2.InputRequestID != nil {
		t.Fatal("expected nil input_request_id for RUNNING")
	}
}

func TestIsStuck(t *testing.T) {
	task := &Task{Status: StatusRunning, Results: []byte(`{"ok":true}`)}
	if !task.IsStuck() {
		t.Error("expected stuck: active status with non-nil results")
	}

	task2 := &Task{Status: StatusCompleted, Results: []byte(`{"ok":true}`)}
	if task2.IsStuck() {
		t.Error("terminal status is never stuck")
	}

	task3 := &Task{Status: StatusRunning}
	if task3.IsStuck() {
		t.Error("no results means not stuck")
	}
}
