package manager

import (
	"testing"
	"time"

	"github.com/hypoclip/sync-core/discovery"
	"github.com/hypoclip/sync-core/dispatch"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndListPairedDevices(t *testing.T) {
	m := New(nil, nil)
	m.RegisterPairedDevice(PairedDevice{ID: "MacOS-11111111-1111-1111-1111-111111111111", Name: "desktop"})
	m.RegisterPairedDevice(PairedDevice{ID: "22222222-2222-2222-2222-222222222222", Name: "phone"})

	devices := m.PairedDevices()
	require.Len(t, devices, 2)
	require.Equal(t, "11111111-1111-1111-1111-111111111111", devices[0].ID)
}

func TestUnpairRemovesDevice(t *testing.T) {
	m := New(nil, nil)
	m.RegisterPairedDevice(PairedDevice{ID: "dev-1"})
	m.UnpairDevice("dev-1")
	require.Empty(t, m.PairedDevices())
}

func TestLANSenderForUnusableWithoutDiscoveredHost(t *testing.T) {
	m := New(nil, nil)
	sender, usable := m.LANSenderFor("dev-1")
	require.False(t, usable)
	require.Nil(t, sender)
}

func TestLANSenderForSkipsUnknownAndLoopbackHosts(t *testing.T) {
	m := New(nil, nil)
	m.ApplyDiscoveryEvent(discovery.Event{
		Kind: discovery.Resolved,
		Peer: discovery.Peer{Host: "unknown", Attrs: discovery.Attributes{DeviceID: "dev-1"}, LastSeen: time.Now()},
	})
	_, usable := m.LANSenderFor("dev-1")
	require.False(t, usable)

	m.ApplyDiscoveryEvent(discovery.Event{
		Kind: discovery.Resolved,
		Peer: discovery.Peer{Host: "127.0.0.1", Port: 1, Attrs: discovery.Attributes{DeviceID: "dev-2"}, LastSeen: time.Now()},
	})
	_, usable = m.LANSenderFor("dev-2")
	require.False(t, usable)
}

func TestLANSenderForUsableHost(t *testing.T) {
	m := New(nil, nil)
	m.ApplyDiscoveryEvent(discovery.Event{
		Kind: discovery.Resolved,
		Peer: discovery.Peer{Host: "192.168.1.5", Port: 7475, Attrs: discovery.Attributes{DeviceID: "dev-3"}, LastSeen: time.Now()},
	})
	sender, usable := m.LANSenderFor("dev-3")
	require.True(t, usable)
	require.NotNil(t, sender)
	m.Close()
}

func TestCaseInsensitiveDeviceIDMatch(t *testing.T) {
	m := New(nil, nil)
	m.ApplyDiscoveryEvent(discovery.Event{
		Kind: discovery.Resolved,
		Peer: discovery.Peer{Host: "192.168.1.5", Port: 7475, Attrs: discovery.Attributes{DeviceID: "DEV-4"}, LastSeen: time.Now()},
	})
	_, usable := m.LANSenderFor("dev-4")
	require.True(t, usable)
	m.Close()
}

func TestCurrentPeersFiltersUnreachableHosts(t *testing.T) {
	m := New(nil, nil)
	m.ApplyDiscoveryEvent(discovery.Event{
		Kind: discovery.Resolved,
		Peer: discovery.Peer{Host: "192.168.1.5", Port: 7475, Attrs: discovery.Attributes{DeviceID: "dev-a"}, LastSeen: time.Now()},
	})
	m.ApplyDiscoveryEvent(discovery.Event{
		Kind: discovery.Resolved,
		Peer: discovery.Peer{Host: "unknown", Attrs: discovery.Attributes{DeviceID: "dev-b"}, LastSeen: time.Now()},
	})
	m.ApplyDiscoveryEvent(discovery.Event{
		Kind: discovery.Resolved,
		Peer: discovery.Peer{Host: "127.0.0.1", Port: 1, Attrs: discovery.Attributes{DeviceID: "dev-c"}, LastSeen: time.Now()},
	})
	defer m.Close()

	peers := m.CurrentPeers()
	require.Len(t, peers, 1)
	require.Equal(t, "dev-a", peers[0].Attrs.DeviceID)

	// the raw snapshot still holds all three
	require.Len(t, m.LANDiscoveredPeers(), 3)
}

func TestConnectionStateSubscription(t *testing.T) {
	m := New(nil, nil)
	ch := m.SubscribeConnectionState()
	m.UpdateConnectionState(ConnectedCloud)
	select {
	case s := <-ch:
		require.Equal(t, ConnectedCloud, s)
	case <-time.After(time.Second):
		t.Fatal("expected a state transition")
	}
}

func TestMarkLastSuccessfulTracksPath(t *testing.T) {
	m := New(nil, nil)
	m.RegisterPairedDevice(PairedDevice{ID: "dev-5"})
	m.MarkLastSuccessful("dev-5", dispatch.PathLAN)
	require.Equal(t, dispatch.PathLAN, m.LastSuccessfulPath("dev-5"))
}

func TestDiscoveryTieBreakPrefersMostRecentlyResolved(t *testing.T) {
	m := New(nil, nil)
	older := time.Now().Add(-time.Minute)
	newer := time.Now()
	m.ApplyDiscoveryEvent(discovery.Event{Kind: discovery.Added, Peer: discovery.Peer{
		Host: "10.0.0.1", Port: 1, Attrs: discovery.Attributes{DeviceID: "dev-6"}, LastSeen: older,
	}})
	m.ApplyDiscoveryEvent(discovery.Event{Kind: discovery.Resolved, Peer: discovery.Peer{
		Host: "10.0.0.2", Port: 2, Attrs: discovery.Attributes{DeviceID: "dev-6"}, LastSeen: newer,
	}})
	peers := m.LANDiscoveredPeers()
	require.Len(t, peers, 1)
	require.Equal(t, "10.0.0.2", peers[0].Host)
}
