package vmm

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

// TokenKind identifies which dispatch case an epoll-registered fd belongs
// to.
type TokenKind int

const (
	TokenExit TokenKind = iota
	TokenStdin
	TokenWriteMetrics
	TokenPollyEvent
	TokenVcpu
	TokenDeviceHandler
	TokenVmmActionRequest
)

// Token tags one fd registered on the primary epoll set. Index carries the
// vCPU id for TokenVcpu or the device handler index for TokenDeviceHandler;
// it is unused by every other kind.
type Token struct {
	Kind  TokenKind
	Index int
}

// EventLoop is an epoll set plus the token table that turns epoll_wait
// results into the Event Loop Driver's dispatch tokens.
type EventLoop struct {
	fd int

	mu     sync.Mutex
	tokens map[int32]Token
}

func newEventLoop() (*EventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("vmm: epoll_create1: %w", err)
	}

	return &EventLoop{fd: fd, tokens: make(map[int32]Token)}, nil
}

// Register adds fd to the set under tok. Every device callback on the
// control thread is expected to use non-blocking fds, so level-triggered
// EPOLLIN readiness is all the Event Loop Driver ever needs to watch for.
func (e *EventLoop) Register(fd int, tok Token) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("vmm: EPOLL_CTL_ADD(fd=%d): %w", fd, err)
	}

	e.mu.Lock()
	e.tokens[int32(fd)] = tok
	e.mu.Unlock()

	return nil
}

// Close releases the epoll fd itself. Member fds are owned and closed by
// their respective devices or threads, not by EventLoop.
func (e *EventLoop) Close() error {
	return unix.Close(e.fd)
}

// wait blocks until at least one registered fd is ready, or timeoutMs
// elapses (0 polls without blocking, -1 blocks indefinitely), and returns
// the tokens that fired.
func (e *EventLoop) wait(timeoutMs int) ([]Token, error) {
	var events [16]unix.EpollEvent

	n, err := unix.EpollWait(e.fd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}

		return nil, fmt.Errorf("vmm: epoll_wait: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	toks := make([]Token, 0, n)

	for i := 0; i < n; i++ {
		if tok, ok := e.tokens[events[i].Fd]; ok {
			toks = append(toks, tok)
		}
	}

	return toks, nil
}

// Run drives the Event Loop Driver: it alternates epoll_wait with token
// dispatch, invoking handler on a VmmActionRequest token, until Stop
// signals the exit eventfd, every vCPU thread has exited, a vCPU thread
// reports a run error, handler fails, or a wait error occurs. It returns
// the process exit code.
func (v *Vmm) Run(handler func() error) int {
	for {
		toks, err := v.loop.wait(-1)
		if err != nil {
			log.Printf("vmm: event loop: %v", err)

			return ExitCodeGenericError
		}

		for _, tok := range toks {
			switch tok.Kind {
			case TokenExit:
				return ExitCodeOK

			case TokenStdin:
				v.dispatchStdin()

			case TokenWriteMetrics:
				v.dispatchWriteMetrics()

			case TokenPollyEvent:
				v.dispatchPollyEvent()

			case TokenVcpu:
				if done, code := v.dispatchVcpu(tok.Index); done {
					return code
				}

			case TokenDeviceHandler:
				// Queue/descriptor-ring emulation is out of scope for
				// this module's device model; no device registers this
				// token, so there is nothing to dispatch to.

			case TokenVmmActionRequest:
				if handler == nil {
					continue
				}

				if err := handler(); err != nil {
					log.Printf("vmm: control action handler: %v", err)

					return ExitCodeGenericError
				}
			}
		}
	}
}

func (v *Vmm) dispatchStdin() {
	var buf [1]byte

	n, err := unix.Read(0, buf[:])
	if err != nil || n == 0 {
		return
	}

	v.serial.GetInputChan() <- buf[0]

	if err := (serialIRQAdapter{vmFd: v.vmFd}).InjectSerialIRQ(); err != nil {
		log.Printf("vmm: InjectSerialIRQ: %v", err)
	}
}

func (v *Vmm) dispatchWriteMetrics() {
	var buf [8]byte
	if _, err := unix.Read(v.metricsTimerFD, buf[:]); err != nil {
		log.Printf("vmm: reading metrics timer: %v", err)
	}

	if v.metricsSink == nil {
		return
	}

	if err := v.metricsSink.LogMetrics(); err != nil {
		log.Printf("vmm: LogMetrics: %v", err)
	}
}

func (v *Vmm) dispatchPollyEvent() {
	if v.secondary == nil {
		return
	}

	if _, err := v.secondary.wait(0); err != nil {
		log.Printf("vmm: secondary event manager: %v", err)
	}
}

func (v *Vmm) dispatchVcpu(idx int) (done bool, code int) {
	t := v.vcpus[idx]

	var buf [8]byte
	if _, err := unix.Read(t.doneFD, buf[:]); err != nil {
		log.Printf("vmm: reading vcpu %d completion: %v", idx, err)
	}

	v.mu.Lock()
	v.remaining--
	remaining := v.remaining
	v.mu.Unlock()

	if t.err != nil {
		log.Printf("vmm: vcpu %d exited with error: %v", idx, t.err)

		return true, ExitCodeGenericError
	}

	if remaining <= 0 {
		return true, ExitCodeOK
	}

	return false, 0
}
