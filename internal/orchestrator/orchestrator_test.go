package orchestrator

import (
	"testing"

	"github.com/ottosync/otto/internal/reconcile"
)

func TestAccountResultHasErrorAccountLevel(t *testing.T) {
	r := AccountResult{AccountID: "a", Err: errStub("boom")}
	if !r.HasError() {
		t.Error("expected an account-level error to report HasError() == true")
	}
}

func TestAccountResultHasErrorFolderLevel(t *testing.T) {
	r := AccountResult{
		AccountID: "a",
		Folders: []FolderResult{
			{Folder: "INBOX", Stats: reconcile.Stats{New: 1}},
			{Folder: "Archive", Err: errStub("dial failed")},
		},
	}
	if !r.HasError() {
		t.Error("expected a folder-level error to report HasError() == true")
	}
}

func TestAccountResultHasErrorFalse(t *testing.T) {
	r := AccountResult{
		AccountID: "a",
		Folders: []FolderResult{
			{Folder: "INBOX", Stats: reconcile.Stats{New: 2}},
		},
	}
	if r.HasError() {
		t.Error("expected a clean run to report HasError() == false")
	}
}

func TestNewMaxConnectionsFloor(t *testing.T) {
	o := New(nil, nil, nil, 0)
	if cap(o.connLimit) != 1 {
		t.Errorf("connLimit capacity = %d, want 1 (floored)", cap(o.connLimit))
	}

	o = New(nil, nil, nil, 4)
	if cap(o.connLimit) != 4 {
		t.Errorf("connLimit capacity = %d, want 4", cap(o.connLimit))
	}
}

func TestBumpScanCounterIncrementsPerFolder(t *testing.T) {
	o := New(nil, nil, nil, 1)

	if n := o.bumpScanCounter("acct", "INBOX"); n != 0 {
		t.Errorf("first call = %d, want 0", n)
	}
	if n := o.bumpScanCounter("acct", "INBOX"); n != 1 {
		t.Errorf("second call = %d, want 1", n)
	}
	if n := o.bumpScanCounter("acct", "Archive"); n != 0 {
		t.Errorf("first call for a different folder = %d, want 0", n)
	}
}

type errStub string

func (e errStub) Error() string { return string(e) }
