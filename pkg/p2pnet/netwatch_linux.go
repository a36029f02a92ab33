//go:build linux

package p2pnet

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"
)

// watchAddrEvents subscribes to rtnetlink link and address notifications
// and falls back to polling when the socket cannot be opened.
func watchAddrEvents(ctx context.Context, logger *slog.Logger, ch chan<- struct{}) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		logger.Warn("netwatch: netlink socket failed, polling instead", "error", err)
		pollAddrEvents(ctx, addrPollInterval, ch)
		return
	}
	defer unix.Close(fd)

	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR,
	}
	if err := unix.Bind(fd, sa); err != nil {
		logger.Warn("netwatch: netlink bind failed, polling instead", "error", err)
		pollAddrEvents(ctx, addrPollInterval, ch)
		return
	}
	// Wake up every two seconds to notice cancellation.
	tv := unix.Timeval{Sec: 2}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		logger.Warn("netwatch: netlink timeout not set", "error", err)
	}

	buf := make([]byte, 8192)
	for ctx.Err() == nil {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			logger.Warn("netwatch: netlink read failed, polling instead", "error", err)
			pollAddrEvents(ctx, addrPollInterval, ch)
			return
		}
		for _, typ := range netlinkTypes(buf[:n]) {
			switch typ {
			case unix.RTM_NEWADDR, unix.RTM_DELADDR, unix.RTM_NEWLINK, unix.RTM_DELLINK:
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}
}

// nlmsgAlignTo is NLMSG_ALIGNTO from linux/netlink.h.
const nlmsgAlignTo = 4

// netlinkTypes returns the nlmsg_type of every complete message header in
// one netlink datagram. A truncated tail is ignored.
func netlinkTypes(b []byte) []uint16 {
	var types []uint16
	for len(b) >= unix.SizeofNlMsghdr {
		size := int(binary.NativeEndian.Uint32(b[0:4]))
		if size < unix.SizeofNlMsghdr || size > len(b) {
			break
		}
		types = append(types, binary.NativeEndian.Uint16(b[4:6]))
		size = (size + nlmsgAlignTo - 1) &^ (nlmsgAlignTo - 1)
		if size >= len(b) {
			break
		}
		b = b[size:]
	}
	return types
}
