package dbus_test

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/thrykol/dbus"
	"github.com/thrykol/dbus/dbustest"
)

func busConn(t *testing.T, bus *dbustest.Bus) *dbus.Conn {
	t.Helper()
	conn := bus.MustConn(t)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBusHello(t *testing.T) {
	bus := dbustest.New(t, false)
	conn := busConn(t, bus)

	name := conn.LocalName()
	if !strings.HasPrefix(name, ":") {
		t.Errorf("LocalName() = %q, want a unique name", name)
	}
}

func TestBusPing(t *testing.T) {
	bus := dbustest.New(t, false)
	conn := busConn(t, bus)
	ctx := testContext(t)

	if err := conn.Peer("org.freedesktop.DBus").Ping(ctx); err != nil {
		t.Errorf("pinging the bus got err: %v", err)
	}

	// Every connection serves the Peer interface, so peers can ping
	// each other too.
	other := busConn(t, bus)
	if err := conn.Peer(other.LocalName()).Ping(ctx); err != nil {
		t.Errorf("pinging a peer got err: %v", err)
	}
}

func TestBusNameOwnership(t *testing.T) {
	bus := dbustest.New(t, false)
	conn := busConn(t, bus)
	ctx := testContext(t)

	const name = "com.example.dbustest.Owner"

	if has, err := conn.NameHasOwner(ctx, name); err != nil || has {
		t.Fatalf("NameHasOwner() before request = %v, %v, want false", has, err)
	}

	code, err := conn.RequestName(ctx, name, dbus.NameFlagDoNotQueue)
	if err != nil {
		t.Fatalf("RequestName() got err: %v", err)
	}
	if code != dbus.NameReplyPrimaryOwner {
		t.Fatalf("RequestName() = %d, want primary owner", code)
	}

	if has, err := conn.NameHasOwner(ctx, name); err != nil || !has {
		t.Errorf("NameHasOwner() = %v, %v, want true", has, err)
	}
	if owner, err := conn.GetNameOwner(ctx, name); err != nil || owner != conn.LocalName() {
		t.Errorf("GetNameOwner() = %q, %v, want %q", owner, err, conn.LocalName())
	}
	names, err := conn.ListNames(ctx)
	if err != nil {
		t.Fatalf("ListNames() got err: %v", err)
	}
	if !slices.Contains(names, name) {
		t.Errorf("ListNames() does not include %q: %v", name, names)
	}

	code, err = conn.ReleaseName(ctx, name)
	if err != nil {
		t.Fatalf("ReleaseName() got err: %v", err)
	}
	if code != dbus.NameReplyReleased {
		t.Errorf("ReleaseName() = %d, want released", code)
	}
	if has, err := conn.NameHasOwner(ctx, name); err != nil || has {
		t.Errorf("NameHasOwner() after release = %v, %v, want false", has, err)
	}
}

func TestBusCrossCall(t *testing.T) {
	bus := dbustest.New(t, false)
	srv := busConn(t, bus)
	cli := busConn(t, bus)
	ctx := testContext(t)

	const name = "com.example.dbustest.Calc"
	if code, err := srv.RequestName(ctx, name, 0); err != nil || code != dbus.NameReplyPrimaryOwner {
		t.Fatalf("RequestName() = %d, %v", code, err)
	}
	srv.Handle("/com/example/Calc", "com.example.Calc", "Add", func(ctx context.Context, call *dbus.Message) ([]dbus.Value, error) {
		return []dbus.Value{call.Body[0].(dbus.Int64) + call.Body[1].(dbus.Int64)}, nil
	})

	got, err := cli.CallMethod(ctx, name, "/com/example/Calc", "com.example.Calc", "Add", dbus.Int64(20), dbus.Int64(22))
	if err != nil {
		t.Fatalf("CallMethod() got err: %v", err)
	}
	if len(got) != 1 || got[0] != dbus.Int64(42) {
		t.Errorf("CallMethod() = %v, want [42]", got)
	}

	// Calls through the fluent helpers take the same path.
	got, err = cli.Peer(name).Object("/com/example/Calc").Interface("com.example.Calc").Call(ctx, "Add", dbus.Int64(1), dbus.Int64(2))
	if err != nil {
		t.Fatalf("Interface.Call() got err: %v", err)
	}
	if len(got) != 1 || got[0] != dbus.Int64(3) {
		t.Errorf("Interface.Call() = %v, want [3]", got)
	}
}

func TestBusSubscribe(t *testing.T) {
	bus := dbustest.New(t, false)
	watcher := busConn(t, bus)
	actor := busConn(t, bus)
	ctx := testContext(t)

	const name = "com.example.dbustest.Watched"
	got := make(chan *dbus.Message, 10)
	rule := dbus.MatchSignals().
		Sender("org.freedesktop.DBus").
		Interface("org.freedesktop.DBus").
		Member("NameOwnerChanged").
		ArgStr(0, name)
	if _, err := watcher.Subscribe(ctx, rule, func(sig *dbus.Message) {
		got <- sig
	}); err != nil {
		t.Fatalf("Subscribe() got err: %v", err)
	}

	if _, err := actor.RequestName(ctx, name, 0); err != nil {
		t.Fatalf("RequestName() got err: %v", err)
	}

	select {
	case sig := <-got:
		if len(sig.Body) != 3 {
			t.Fatalf("NameOwnerChanged with %d args, want 3", len(sig.Body))
		}
		if owner := sig.Body[2]; owner != dbus.String(actor.LocalName()) {
			t.Errorf("new owner = %v, want %q", owner, actor.LocalName())
		}
	case <-ctx.Done():
		t.Fatal("NameOwnerChanged never delivered")
	}
}

func TestBusClaim(t *testing.T) {
	bus := dbustest.New(t, false)
	first := busConn(t, bus)
	second := busConn(t, bus)
	ctx := testContext(t)

	const name = "com.example.dbustest.Claimed"

	waitOwner := func(t *testing.T, c *dbus.Claim, want bool) {
		t.Helper()
		for {
			select {
			case v := <-c.Chan():
				if v == want {
					return
				}
			case <-ctx.Done():
				t.Fatalf("claim never reported ownership=%v", want)
			}
		}
	}

	c1, err := first.Claim(name, dbus.ClaimOptions{AllowReplacement: true})
	if err != nil {
		t.Fatalf("Claim() got err: %v", err)
	}
	defer c1.Close()
	waitOwner(t, c1, true)

	// The first claim allows replacement, so a takeover succeeds and
	// the first claim is notified of the loss.
	c2, err := second.Claim(name, dbus.ClaimOptions{TryReplace: true})
	if err != nil {
		t.Fatalf("second Claim() got err: %v", err)
	}
	defer c2.Close()
	waitOwner(t, c2, true)
	waitOwner(t, c1, false)

	if owner, err := second.GetNameOwner(ctx, name); err != nil || owner != second.LocalName() {
		t.Errorf("GetNameOwner() = %q, %v, want %q", owner, err, second.LocalName())
	}
}

func TestBusMachineID(t *testing.T) {
	bus := dbustest.New(t, false)
	conn := busConn(t, bus)
	other := busConn(t, bus)
	ctx := testContext(t)

	got, err := conn.Peer(other.LocalName()).Object("/").Interface("org.freedesktop.DBus.Peer").Call(ctx, "GetMachineId")
	if err != nil {
		t.Skipf("GetMachineId not available: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("GetMachineId returned %d values, want 1", len(got))
	}
	if id, ok := got[0].(dbus.String); !ok || id == "" {
		t.Errorf("GetMachineId = %v, want a non-empty string", got[0])
	}
}
