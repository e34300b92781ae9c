//go:build !unix

package nexus

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
