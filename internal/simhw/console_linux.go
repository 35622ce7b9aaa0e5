//go:build linux
// +build linux

package simhw

import "golang.org/x/sys/unix"

const (
	getTermiosIoctl = unix.TCGETS
	setTermiosIoctl = unix.TCSETS
)
