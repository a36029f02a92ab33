package p2pnet

import (
	"net"
	"slices"
)

// ReachabilityGrade summarizes how easily neighbors can reach this node.
type ReachabilityGrade struct {
	Grade       string `json:"grade"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Grade constants ordered from best to worst.
const (
	GradeA = "A"
	GradeB = "B"
	GradeC = "C"
	GradeD = "D"
	GradeF = "F"
)

// GradeReachability grades a probe result. hostAddrs are the local
// candidate addresses (HostAddrs); a STUN-mapped address among them means
// there is no NAT in the way.
//
// Grade scale:
//
//	A  Excellent  No NAT, the mapped address is local
//	B  Good       Endpoint-independent mapping, hole punching works
//	C  Fair       Port-dependent mapping, or mapping not classified
//	D  Poor       Address-dependent mapping, expect to need TURN
//	F  Offline    No STUN server answered
func GradeReachability(hostAddrs []string, r *ICEProbeResult) ReachabilityGrade {
	if !r.Reachable() {
		return ReachabilityGrade{
			Grade:       GradeF,
			Label:       "Offline",
			Description: "No STUN server answered; only peers on this network can connect",
		}
	}

	for _, ext := range r.ExternalAddrs {
		host, _, err := net.SplitHostPort(ext)
		if err == nil && slices.Contains(hostAddrs, host) {
			return ReachabilityGrade{
				Grade:       GradeA,
				Label:       "Excellent",
				Description: "Public address " + host + " on a local interface",
			}
		}
	}

	switch r.NATType {
	case NATIndependent:
		return ReachabilityGrade{
			Grade:       GradeB,
			Label:       "Good",
			Description: "Endpoint-independent NAT mapping",
		}
	case NATPortDependent:
		return ReachabilityGrade{
			Grade:       GradeC,
			Label:       "Fair",
			Description: "NAT changes the port per destination",
		}
	case NATAddrDependent:
		return ReachabilityGrade{
			Grade:       GradeD,
			Label:       "Poor",
			Description: "Servers saw different external addresses; a TURN relay is likely needed",
		}
	}
	return ReachabilityGrade{
		Grade:       GradeC,
		Label:       "Fair",
		Description: "External address discovered, NAT mapping unknown",
	}
}
