package master

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// waitReadable blocks until at least one fd is readable or has hung up, or
// until timeout elapses. It returns the indexes (into fds) that are ready;
// an empty result means the timeout expired.
func waitReadable(fds []int, timeout time.Duration) ([]int, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		n, err := unix.Poll(pfds, int(remaining.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return nil, nil
		}

		ready := make([]int, 0, n)
		for i, p := range pfds {
			if p.Revents&unix.POLLNVAL != 0 {
				return nil, fmt.Errorf("poll: fd %d is not open", p.Fd)
			}
			if p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				ready = append(ready, i)
			}
		}
		return ready, nil
	}
}

// readFD does one read on a descriptor poll reported as ready.
// n == 0 with a nil error is end of stream.
func readFD(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}
