// Copyright 2023 Greptime Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registrar is the supervised stub for the plugin device-registrar
// spec.md names as an external collaborator: a Unix-domain socket, one per
// device plugin, under the node's `--plugins-dir`. Nothing in this domain
// ever calls out to a registered plugin - the socket exists so external
// device plugins have somewhere to dial in and announce themselves, and
// this package's entire job is to accept that connection, read the plugin's
// self-announced name, and log it.
package registrar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/soenkeliebau/stackable-krustlet/pkg/logger"
)

// Registrar listens on a single Unix domain socket and logs every plugin
// that connects and announces itself. It holds no registry of plugins
// beyond the log line: dispatching to a registered plugin's own callback
// socket is out of scope for this domain.
type Registrar struct {
	socketPath string
	log        logger.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Registrar that will listen on socketPath once Run is
// called. socketPath is expected to live under the node's --plugins-dir,
// e.g. "<plugins-dir>/kubelet.sock".
func New(socketPath string, log logger.Logger) *Registrar {
	return &Registrar{socketPath: socketPath, log: log}
}

// Run listens until ctx is done, handling each accepted connection in its
// own goroutine and logging whatever the plugin announces on it. A stale socket file left
// behind by a prior crash is removed before binding, matching how the
// teacher's own daemon frees stale state before claiming a leader lease.
func (r *Registrar) Run(ctx context.Context) error {
	if err := removeStaleSocket(r.socketPath); err != nil {
		return fmt.Errorf("registrar: clear stale socket %s: %w", r.socketPath, err)
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "unix", r.socketPath)
	if err != nil {
		return fmt.Errorf("registrar: listen on %s: %w", r.socketPath, err)
	}
	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()

	r.log.V(0).Info(fmt.Sprintf("registrar: listening for plugin registrations on %s", r.socketPath))

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("registrar: accept on %s: %w", r.socketPath, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.handle(conn)
		}()
	}
}

// handle reads a single newline-terminated registration announcement from
// conn and logs it. One connection is treated as one registration attempt:
// the plugin is expected to announce itself and disconnect, not hold the
// line open.
func (r *Registrar) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			r.log.Warnf("registrar: read registration from %s: %v", r.socketPath, err)
		}
		return
	}

	name := strings.TrimSpace(scanner.Text())
	if name == "" {
		r.log.Warnf("registrar: empty plugin name announced on %s", r.socketPath)
		return
	}

	r.log.V(0).Info(fmt.Sprintf("registrar: plugin %q registered on %s", name, r.socketPath))

	if _, err := conn.Write([]byte("ok\n")); err != nil {
		r.log.Warnf("registrar: ack plugin %q: %v", name, err)
	}
}

func removeStaleSocket(path string) error {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return os.Remove(path)
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}
