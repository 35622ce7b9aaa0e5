package irq

import (
	"errors"
	"testing"
)

func TestMakeIDAndSplitIDRoundTrip(t *testing.T) {
	id := MakeID(SourceVC, 42)

	src, num := SplitID(id)
	if src != SourceVC || num != 42 {
		t.Fatalf("expected (vc, 42), got (%s, %d)", src, num)
	}
}

func TestRegistryDispatchInvokesHandlersUntilClaimed(t *testing.T) {
	ctrl := NewBCM2837()
	reg := NewRegistry(ctrl)

	var calledFirst, calledSecond bool

	if _, err := reg.Register(1, func(uint32) bool {
		calledFirst = true
		return false
	}); err != nil {
		t.Fatalf("register 1: %v", err)
	}

	if _, err := reg.Register(1, func(uint32) bool {
		calledSecond = true
		return true
	}); err != nil {
		t.Fatalf("register 2: %v", err)
	}

	ctrl.Raise(1)

	ids, ok := reg.Pending()
	if !ok || len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected [1] pending, got %v ok=%v", ids, ok)
	}

	if !reg.Dispatch(1) {
		t.Fatal("expected dispatch to report handled")
	}

	if !calledFirst || !calledSecond {
		t.Fatalf("expected both handlers invoked, got first=%v second=%v", calledFirst, calledSecond)
	}

	reg.MarkProcessed(1)

	if _, ok := reg.Pending(); ok {
		t.Fatal("expected no pending IRQs after MarkProcessed")
	}
}

func TestRegistryUnregisterDisablesOnLastHandler(t *testing.T) {
	ctrl := NewGICv2()
	reg := NewRegistry(ctrl)

	handle, err := reg.Register(5, func(uint32) bool { return true })
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	reg.Unregister(5, handle)

	ctrl.Raise(5)

	if _, ok := reg.Pending(); ok {
		t.Fatal("expected line disabled and no longer reported pending after last handler removed")
	}
}

func TestSystemTimerExcludesFirmwareClaimedChannels(t *testing.T) {
	var initial [NumCompareChannels]uint64
	initial[0] = 0xdead // firmware already owns channel 0

	timer := NewSystemTimer(initial, nil)

	for i := 0; i < NumCompareChannels; i++ {
		ch, err := timer.Claim(1, Milliseconds, false, func() {})
		if err != nil {
			continue
		}

		if ch == 0 {
			t.Fatal("expected firmware-claimed channel 0 never handed out")
		}
	}
}

func TestSystemTimerOneshotFiresOnceAtDeadline(t *testing.T) {
	timer := NewSystemTimer([NumCompareChannels]uint64{}, nil)

	fired := 0

	if _, err := timer.Claim(5, Milliseconds, false, func() { fired++ }); err != nil {
		t.Fatalf("claim: %v", err)
	}

	timer.Advance(4_999) // 4.999ms, just short of the 5ms deadline
	if fired != 0 {
		t.Fatalf("expected no fire before deadline, got %d", fired)
	}

	timer.Advance(2) // crosses 5ms
	if fired != 1 {
		t.Fatalf("expected exactly one fire at deadline, got %d", fired)
	}

	timer.Advance(10_000)
	if fired != 1 {
		t.Fatalf("expected oneshot not to refire, got %d", fired)
	}
}

func TestSystemTimerRecurrentReloadsDeadline(t *testing.T) {
	timer := NewSystemTimer([NumCompareChannels]uint64{}, nil)

	fired := 0

	if _, err := timer.Claim(1, Milliseconds, true, func() { fired++ }); err != nil {
		t.Fatalf("claim: %v", err)
	}

	timer.Advance(1_000) // 1ms
	timer.Advance(1_000) // 2ms
	timer.Advance(1_000) // 3ms

	if fired != 3 {
		t.Fatalf("expected 3 recurrent fires over 3ms at a 1ms period, got %d", fired)
	}
}

func TestSystemTimerRaisesControllerLine(t *testing.T) {
	var raised []uint32

	timer := NewSystemTimer([NumCompareChannels]uint64{}, func(ch uint32) {
		raised = append(raised, ch)
	})

	if _, err := timer.Claim(1, Milliseconds, false, func() {}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	timer.Advance(1_000)

	if len(raised) != 1 || raised[0] != 0 {
		t.Fatalf("expected channel 0 raised, got %v", raised)
	}
}

func TestDMAAllocatorHonorsChannelMask(t *testing.T) {
	alloc := NewAllocator(0b0000_0101) // channels 0 and 2 free

	c0, err := alloc.Claim()
	if err != nil || c0.ID() != 0 {
		t.Fatalf("expected channel 0 first, got %v err=%v", c0, err)
	}

	c2, err := alloc.Claim()
	if err != nil || c2.ID() != 2 {
		t.Fatalf("expected channel 2 next, got %v err=%v", c2, err)
	}

	if _, err := alloc.Claim(); !errors.Is(err, ErrNoFreeDMAChannel) {
		t.Fatalf("expected ErrNoFreeDMAChannel, got %v", err)
	}

	alloc.Release(c0)

	if c, err := alloc.Claim(); err != nil || c.ID() != 0 {
		t.Fatalf("expected channel 0 reusable after release, got %v err=%v", c, err)
	}
}

func TestDMAChannelRunsControlBlockChain(t *testing.T) {
	alloc := NewAllocator(0b1)
	ch, err := alloc.Claim()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	var copied []uint64

	cb1 := &ControlBlock{SrcBusAddr: 0x1000, Length: 64}
	cb2 := &ControlBlock{SrcBusAddr: 0x2000, Length: 128}
	cb1.Next = cb2

	if err := ch.Start(cb1); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := ch.Start(cb1); !errors.Is(err, ErrChannelBusy) {
		t.Fatalf("expected ErrChannelBusy on a second Start, got %v", err)
	}

	ch.Wait(func(cb *ControlBlock) error {
		copied = append(copied, cb.SrcBusAddr)
		return nil
	})

	if len(copied) != 2 || copied[0] != 0x1000 || copied[1] != 0x2000 {
		t.Fatalf("expected both control blocks in the chain copied in order, got %v", copied)
	}

	if ch.Errored() {
		t.Fatal("expected no error after a clean chain run")
	}

	// the channel is free again; a fresh Start must succeed.
	if err := ch.Start(&ControlBlock{Length: 1}); err != nil {
		t.Fatalf("restart after completion: %v", err)
	}
}
