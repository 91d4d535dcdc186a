package rpc

import (
	"fmt"
	"sync"
)

var pendingCallPool = &PendingCallPool{m: newPoolMetrics()}

func StartPoolMetrics()   { pendingCallPool.m.start() }
func ReleasePoolMetrics() { pendingCallPool.m.release() }

func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"pendingCallPool\" = %s}", pendingCallPool.m.metricsString())
}

type pendingCall struct {
	res  []byte        // result on success
	err  error         // remote or connection error
	done chan struct{} // signalled once res or err is set
}

type PendingCallPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *PendingCallPool) acquire() *pendingCall {
	v := p.sp.Get()
	if v == nil {
		p.m.acquired(false)
		return &pendingCall{done: make(chan struct{}, 1)}
	}
	p.m.acquired(true)
	return v.(*pendingCall)
}

func (p *PendingCallPool) release(pc *pendingCall) {
	pc.res = nil
	pc.err = nil
	p.sp.Put(pc)
	p.m.released()
}
