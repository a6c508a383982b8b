package announce

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeCaller struct {
	ad           *Advertisement
	err          error
	delay        time.Duration
	disannounced int
	locked       int
}

func (f *fakeCaller) Announce(ctx context.Context, hello Hello) (*Advertisement, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.ad, f.err
}

func (f *fakeCaller) Disannounce(ctx context.Context) error {
	f.disannounced++
	return nil
}

func (f *fakeCaller) SetNsmLocked(ctx context.Context) error {
	f.locked++
	return nil
}

func readyAd(version string) *Advertisement {
	return &Advertisement{
		Version:      version,
		ServerStatus: ServerOff,
		SessionRoot:  "/home/u/Ray Sessions",
		NetworkFree:  true,
	}
}

func TestSameRelease(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.2.3", "1.2.9", true},
		{"1.2.3", "1.3.0", false},
		{"0.8", "0.8.2", true},
		{"v1.02.0", "1.2.7", true},
		{"2.0.0", "1.0.0", false},
	}
	for _, tt := range tests {
		if got := SameRelease(tt.a, tt.b); got != tt.want {
			t.Errorf("SameRelease(%q, %q): expected %v, got %v", tt.a, tt.b, tt.want, got)
		}
	}
}

func TestEvaluateOrder(t *testing.T) {
	tests := []struct {
		name string
		ad   Advertisement
		exp  Expectation
		want Status
	}{
		{
			name: "Compatible",
			ad:   *readyAd("1.2.9"),
			exp:  Expectation{Version: "1.2.3"},
			want: Ok,
		},
		{
			name: "VersionFirst",
			ad:   Advertisement{Version: "1.3.0", SessionRoot: "/other", ServerStatus: ServerReady},
			exp:  Expectation{Version: "1.2.3", SessionRoot: "/mine", Networked: true, RequireOff: true},
			want: VersionMismatch,
		},
		{
			name: "RootBeforeNetwork",
			ad:   Advertisement{Version: "1.2.0", SessionRoot: "/other"},
			exp:  Expectation{Version: "1.2.3", SessionRoot: "/mine", Networked: true},
			want: WrongSessionRoot,
		},
		{
			name: "NetworkBeforeOff",
			ad:   Advertisement{Version: "1.2.0", SessionRoot: "/mine", ServerStatus: ServerReady},
			exp:  Expectation{Version: "1.2.3", SessionRoot: "/mine", Networked: true, RequireOff: true},
			want: RootNotFree,
		},
		{
			name: "NetworkIgnoredLocally",
			ad:   Advertisement{Version: "1.2.0", SessionRoot: "/mine", ServerStatus: ServerOff},
			exp:  Expectation{Version: "1.2.3", SessionRoot: "/mine"},
			want: Ok,
		},
		{
			name: "NotOff",
			ad:   Advertisement{Version: "1.2.0", ServerStatus: ServerClosing, NetworkFree: true},
			exp:  Expectation{Version: "1.2.3", RequireOff: true},
			want: ServerNotOff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.ad, tt.exp); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestVersionMismatchDisannounces(t *testing.T) {
	caller := &fakeCaller{ad: readyAd("1.3.0")}
	r := NewRequester(caller, Hello{Version: "1.2.3"}, Expectation{}, 0)

	res := r.Announce(context.Background())
	if res.Status != VersionMismatch {
		t.Fatalf("expected VersionMismatch, got %s", res.Status)
	}
	if caller.disannounced != 1 {
		t.Errorf("expected one disannounce, got %d", caller.disannounced)
	}
}

func TestWrongRootDisannounces(t *testing.T) {
	caller := &fakeCaller{ad: readyAd("1.2.3")}
	r := NewRequester(caller, Hello{Version: "1.2.3"}, Expectation{SessionRoot: "/srv/sessions"}, 0)

	res := r.Announce(context.Background())
	if res.Status != WrongSessionRoot {
		t.Fatalf("expected WrongSessionRoot, got %s", res.Status)
	}
	if caller.disannounced != 1 {
		t.Errorf("expected one disannounce, got %d", caller.disannounced)
	}
	if !strings.Contains(res.Message(), "Ray Sessions") {
		t.Errorf("expected message to name the daemon root, got %q", res.Message())
	}
}

func TestNoResponse(t *testing.T) {
	caller := &fakeCaller{delay: time.Second}
	r := NewRequester(caller, Hello{Version: "1.2.3"}, Expectation{}, 20*time.Millisecond)

	res := r.Announce(context.Background())
	if res.Status != NoResponse {
		t.Fatalf("expected NoResponse, got %s", res.Status)
	}
	if res.ContactedBefore {
		t.Error("expected ContactedBefore false")
	}
	if !res.ShouldRelaunch() {
		t.Error("expected relaunch for a never-contacted daemon")
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", res.Err)
	}

	r.MarkContacted()
	res = r.Announce(context.Background())
	if !res.ContactedBefore || res.ShouldRelaunch() {
		t.Errorf("expected contacted daemon not to be relaunched, got %+v", res)
	}
}

func TestNsmLock(t *testing.T) {
	t.Run("RequestedUnderNSM", func(t *testing.T) {
		caller := &fakeCaller{ad: readyAd("1.2.3")}
		r := NewRequester(caller, Hello{Version: "1.2.3"}, Expectation{UnderNSM: true}, 0)

		res := r.Announce(context.Background())
		if !res.OK() {
			t.Fatalf("expected Ok, got %s", res.Status)
		}
		if caller.locked != 1 {
			t.Errorf("expected set_nsm_locked once, got %d", caller.locked)
		}
		if !res.NsmLocked {
			t.Error("expected result to be locked")
		}
	})

	t.Run("AdoptedFromDaemon", func(t *testing.T) {
		ad := readyAd("1.2.3")
		ad.Options = NsmLocked | BookmarkSession
		caller := &fakeCaller{ad: ad}
		r := NewRequester(caller, Hello{Version: "1.2.3"}, Expectation{UnderNSM: true}, 0)

		res := r.Announce(context.Background())
		if !res.NsmLocked {
			t.Error("expected lock adopted from options")
		}
		if caller.locked != 0 {
			t.Errorf("expected no lock request, got %d", caller.locked)
		}
		if caller.disannounced != 0 {
			t.Errorf("expected no disannounce, got %d", caller.disannounced)
		}
	})
}

func TestOptionsString(t *testing.T) {
	o := NsmLocked | DesktopsMemory
	if got := o.String(); got != "nsm_locked,desktops_memory" {
		t.Errorf("expected 'nsm_locked,desktops_memory', got %q", got)
	}
	if opt, ok := ParseOption("bookmark_session"); !ok || opt != BookmarkSession {
		t.Errorf("expected BookmarkSession, got %v %v", opt, ok)
	}
	if Options(0).String() != "none" {
		t.Error("expected 'none' for empty options")
	}
}
