package hostos

import (
	"context"
	"testing"
	"time"
)

func TestPoolIssueDeliversResult(t *testing.T) {
	p := NewPool(context.Background(), func(req SyscallRequest) SyscallResult {
		return SyscallResult{Tid: req.Tid, Eax: req.Arg1 + 1}
	})
	p.Spawn(1, 0)
	p.Issue(SyscallRequest{Tid: 1, Nr: 42, Arg1: 9})

	select {
	case res := <-p.Results():
		if res.Tid != 1 || res.Eax != 10 {
			t.Fatalf("result = %+v, want {Tid:1 Eax:10}", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for proxy result")
	}
}

func TestPoolAbortInterruptsBlockingIssue(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(context.Background(), func(req SyscallRequest) SyscallResult {
		<-block // never returns until the test unblocks it, simulating a long syscall
		return SyscallResult{Tid: req.Tid, Eax: 0}
	})
	p.Spawn(1, 0)
	p.Issue(SyscallRequest{Tid: 1, Nr: 3 /* read */})

	p.Abort(1)

	select {
	case res := <-p.Results():
		if !res.Signal {
			t.Fatalf("result = %+v, want Signal=true", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for abort result")
	}
	close(block)
}

func TestPoolRetireStopsProxy(t *testing.T) {
	p := NewPool(context.Background(), func(req SyscallRequest) SyscallResult {
		return SyscallResult{Tid: req.Tid}
	})
	p.Spawn(2, 0)
	p.Retire(2)
	p.Issue(SyscallRequest{Tid: 2, Nr: 1}) // must not panic or deliver a result once retired

	select {
	case res := <-p.Results():
		t.Fatalf("unexpected result after retire: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}
