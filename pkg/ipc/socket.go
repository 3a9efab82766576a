package ipc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// WorkerFD is the descriptor number under which a spawned worker finds its
// end of the channel (the first entry of exec.Cmd.ExtraFiles).
const WorkerFD = 3

// socketpair returns two connected AF_UNIX stream sockets as files. Both are
// close-on-exec from creation; exec.Cmd.ExtraFiles clears the flag on the
// child's copy.
func socketpair() (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "browserd-supervisor"), os.NewFile(uintptr(fds[1]), "browserd-worker"), nil
}

// fileEndpoint converts f into a poller-backed connection so Close unblocks
// the read goroutine. f is closed; the endpoint owns a duplicate.
func fileEndpoint(name string, f *os.File) (*Endpoint, error) {
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("%s: wrap descriptor: %w", name, err)
	}
	return NewEndpoint(name, conn), nil
}

// Pair creates two connected endpoints in this process.
func Pair() (supervisorSide, workerSide *Endpoint, err error) {
	a, b, err := socketpair()
	if err != nil {
		return nil, nil, err
	}
	supervisorSide, err = fileEndpoint("supervisor", a)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	workerSide, err = fileEndpoint("worker", b)
	if err != nil {
		supervisorSide.Close()
		return nil, nil, err
	}
	return supervisorSide, workerSide, nil
}

// SpawnPair creates the supervisor endpoint and the raw file to hand to a
// child process through exec.Cmd.ExtraFiles. The caller must close the file
// once the child has started.
func SpawnPair() (*Endpoint, *os.File, error) {
	a, b, err := socketpair()
	if err != nil {
		return nil, nil, err
	}
	ep, err := fileEndpoint("supervisor", a)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return ep, b, nil
}

// Inherit opens the worker endpoint from an inherited descriptor.
func Inherit(fd uintptr) (*Endpoint, error) {
	f := os.NewFile(fd, "browserd-channel")
	if f == nil {
		return nil, fmt.Errorf("descriptor %d is not valid", fd)
	}
	return fileEndpoint("worker", f)
}
