package controlplane

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/st-keller/vnet/component"
	"github.com/st-keller/vnet/transport"
	"github.com/st-keller/vnet/types"
)

type fakeBackend struct {
	mu     sync.Mutex
	status string
	joined map[types.NetworkID]bool
}

func (f *fakeBackend) ComponentIDs() []string {
	return []string{ComponentConnectivity, ComponentLogs, ComponentStatus}
}

func (f *fakeBackend) Collect(id string) (component.Component, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != ComponentStatus {
		return component.New(id, map[string]int{})
	}
	return component.New(id, map[string]string{"state": f.status})
}

func (f *fakeBackend) Join(_ context.Context, nwid types.NetworkID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[nwid] = true
	return nil
}

func (f *fakeBackend) Leave(_ context.Context, nwid types.NetworkID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.joined[nwid] {
		return errors.New("not joined")
	}
	delete(f.joined, nwid)
	return nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestServer(t *testing.T) (*fakeBackend, *Client) {
	t.Helper()
	b := &fakeBackend{status: "online", joined: map[types.NetworkID]bool{}}
	srv := httptest.NewServer(transport.H2CHandler(NewHandler(b, testLog())))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return b, c
}

func TestComponentETag(t *testing.T) {
	b, c := newTestServer(t)
	ctx := context.Background()

	first, err := c.Component(ctx, ComponentStatus, "")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(`{"state":"online"}`, string(first.Data)); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.Component(ctx, ComponentStatus, first.ETag()); !errors.Is(err, ErrNotModified) {
		t.Fatalf("expected ErrNotModified, got %v", err)
	}

	b.mu.Lock()
	b.status = "offline"
	b.mu.Unlock()
	changed, err := c.Component(ctx, ComponentStatus, first.ETag())
	if err != nil {
		t.Fatal(err)
	}
	if changed.Checksum == first.Checksum {
		t.Fatalf("expected a new checksum")
	}
}

func TestComponentIndex(t *testing.T) {
	_, c := newTestServer(t)

	ids, err := c.Components(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{ComponentConnectivity, ComponentLogs, ComponentStatus}, ids); diff != "" {
		t.Fatalf("index mismatch (-want +got):\n%s", diff)
	}
	if _, err := c.Component(context.Background(), ComponentPeers, ""); err == nil {
		t.Fatalf("expected an unregistered component to be rejected")
	}
}

func TestMembership(t *testing.T) {
	b, c := newTestServer(t)
	ctx := context.Background()
	nwid := types.NetworkID(0x8056c2e21c000001)

	if err := c.Join(ctx, nwid); err != nil {
		t.Fatal(err)
	}
	if !b.joined[nwid] {
		t.Fatalf("expected backend join")
	}
	if err := c.Leave(ctx, nwid); err != nil {
		t.Fatal(err)
	}
	if err := c.Leave(ctx, nwid); err == nil {
		t.Fatalf("expected conflict on second leave")
	}
}

func TestBadRequests(t *testing.T) {
	b := &fakeBackend{joined: map[types.NetworkID]bool{}}
	h := NewHandler(b, testLog())

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodPut, "/networks/nothex", http.StatusBadRequest},
		{http.MethodPost, "/status", http.StatusMethodNotAllowed},
		{http.MethodGet, "/missing", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Errorf("%s %s: got %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
}

func TestStartClose(t *testing.T) {
	b := &fakeBackend{status: "online", joined: map[types.NetworkID]bool{}}
	srv, err := Start("127.0.0.1:0", b, testLog())
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewClient(srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Component(context.Background(), ComponentLogs, ""); err != nil {
		t.Fatal(err)
	}
	if err := srv.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}
