package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hypoclip/sync-core/envelope"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	delay time.Duration
	err   error
}

func (f *fakeSender) Send(_ *envelope.SyncEnvelope) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

type fakeLocator struct {
	lan        Sender
	lanUsable  bool
	cloud      Sender
	lastPath   Path
	lastDevice string
}

func (f *fakeLocator) LANSenderFor(deviceID string) (Sender, bool) {
	return f.lan, f.lanUsable
}
func (f *fakeLocator) CloudSender() Sender { return f.cloud }
func (f *fakeLocator) MarkLastSuccessful(deviceID string, path Path) {
	f.lastDevice = deviceID
	f.lastPath = path
}

func TestDispatchPrefersLANWhenUsable(t *testing.T) {
	loc := &fakeLocator{lan: &fakeSender{}, lanUsable: true, cloud: &fakeSender{err: errors.New("should not be called")}}
	d := New(loc)
	err := d.Send(context.Background(), &envelope.SyncEnvelope{}, "Target-Device")
	require.NoError(t, err)
	require.Equal(t, PathLAN, loc.lastPath)
}

func TestDispatchFallsBackToCloudOnLANTimeout(t *testing.T) {
	loc := &fakeLocator{
		lan:       &fakeSender{delay: LANProbeTimeout + 50*time.Millisecond},
		lanUsable: true,
		cloud:     &fakeSender{},
	}
	d := New(loc)
	start := time.Now()
	err := d.Send(context.Background(), &envelope.SyncEnvelope{}, "target")
	require.NoError(t, err)
	require.Equal(t, PathCloud, loc.lastPath)
	require.Less(t, time.Since(start), LANProbeTimeout+time.Second)
}

func TestDispatchFallsBackToCloudOnLANError(t *testing.T) {
	loc := &fakeLocator{lan: &fakeSender{err: errors.New("refused")}, lanUsable: true, cloud: &fakeSender{}}
	d := New(loc)
	err := d.Send(context.Background(), &envelope.SyncEnvelope{}, "target")
	require.NoError(t, err)
	require.Equal(t, PathCloud, loc.lastPath)
}

func TestDispatchSkipsLANProbeWhenUnusable(t *testing.T) {
	loc := &fakeLocator{lanUsable: false, cloud: &fakeSender{}}
	d := New(loc)
	err := d.Send(context.Background(), &envelope.SyncEnvelope{}, "target")
	require.NoError(t, err)
	require.Equal(t, PathCloud, loc.lastPath)
}

func TestDispatchReturnsNoRouteWithoutCloud(t *testing.T) {
	loc := &fakeLocator{lanUsable: false, cloud: nil}
	d := New(loc)
	err := d.Send(context.Background(), &envelope.SyncEnvelope{}, "target")
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, NoRoute, de.Kind)
}
