package fluxaid

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	NodeIdentitySourceConfig   = "config"
	NodeIdentitySourceProvider = "provider"
	NodeIdentitySourceNetwork  = "network"
	NodeIdentitySourceRedis    = "redis"
	NodeIdentitySourceMySQL    = "mysql"

	defaultNetworkDatacenterID = 1
)

// NodeIdentity is the (datacenter, worker) pair embedded in every generated id.
// It can only be built through ResolveFromConfig or ResolveFromNetwork, so a
// value always holds ids in the 5 bit range.
type NodeIdentity struct {
	datacenterID uint8
	workerID     uint8
	source       string
}

// NodeIdentityProvider is a pluggable source of node identity consulted
// before the network fallback.
type NodeIdentityProvider func(ctx context.Context) (NodeIdentity, error)

func (n NodeIdentity) DatacenterID() uint8 {
	return n.datacenterID
}

func (n NodeIdentity) WorkerID() uint8 {
	return n.workerID
}

func (n NodeIdentity) Source() string {
	return n.source
}

func (n NodeIdentity) String() string {
	return fmt.Sprintf("%d:%d (%s)", n.datacenterID, n.workerID, n.source)
}

func (n NodeIdentity) withSource(source string) NodeIdentity {
	n.source = source
	return n
}

// slot maps identity into [0, 1024) for lease iteration.
func (n NodeIdentity) slot() int {
	return int(n.datacenterID)<<WorkerIDBits | int(n.workerID)
}

func nodeIdentityFromSlot(slot int, source string) NodeIdentity {
	slot &= (1 << (DatacenterIDBits + WorkerIDBits)) - 1
	return NodeIdentity{
		datacenterID: uint8(slot >> WorkerIDBits),
		workerID:     uint8(slot & MaxWorkerID),
		source:       source,
	}
}

// ResolveFromConfig validates operator supplied ids. Uniqueness across nodes
// is the caller's responsibility.
func ResolveFromConfig(datacenterID, workerID int) (NodeIdentity, error) {
	if datacenterID < 0 || datacenterID > MaxDatacenterID {
		return NodeIdentity{}, &ConfigurationError{Field: "datacenterID", Value: datacenterID, Max: MaxDatacenterID}
	}
	if workerID < 0 || workerID > MaxWorkerID {
		return NodeIdentity{}, &ConfigurationError{Field: "workerID", Value: workerID, Max: MaxWorkerID}
	}
	return NodeIdentity{datacenterID: uint8(datacenterID), workerID: uint8(workerID), source: NodeIdentitySourceConfig}, nil
}

// HostIdentitySource exposes the host facts used by ResolveFromNetwork.
// HardwareAddr returns nil without error when no usable interface exists.
type HostIdentitySource interface {
	HardwareAddr() (net.HardwareAddr, error)
	ProcessID() int
}

type netHostIdentitySource struct {
	hostAddress net.IP
}

// NewHostIdentitySource reads interfaces of the current host. When
// hostAddress is set only the interface owning that address is considered.
func NewHostIdentitySource(hostAddress string) HostIdentitySource {
	s := &netHostIdentitySource{}
	if hostAddress != "" {
		s.hostAddress = net.ParseIP(hostAddress)
	}
	return s
}

func (s *netHostIdentitySource) HardwareAddr() (net.HardwareAddr, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "listing network interfaces")
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 || len(iface.HardwareAddr) < 2 {
			continue
		}
		addresses, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, address := range addresses {
			ipNet, ok := address.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			if s.hostAddress != nil && !ipNet.IP.Equal(s.hostAddress) {
				continue
			}
			return iface.HardwareAddr, nil
		}
	}
	return nil, nil
}

func (s *netHostIdentitySource) ProcessID() int {
	return os.Getpid()
}

// ResolveFromNetwork derives identity from the host MAC address and process id.
// It never fails: enumeration problems are logged and the datacenter falls
// back to 1, so two hosts may end up sharing an identity.
func ResolveFromNetwork(source HostIdentitySource, logger LogHandler) NodeIdentity {
	datacenterID := networkDatacenterID(source, logger)
	workerID := networkWorkerID(datacenterID, source.ProcessID())
	return NodeIdentity{datacenterID: datacenterID, workerID: workerID, source: NodeIdentitySourceNetwork}
}

func networkDatacenterID(source HostIdentitySource, logger LogHandler) uint8 {
	mac, err := source.HardwareAddr()
	if err != nil {
		logEvent(logger, "NODE IDENTITY", "network lookup failed, using default datacenter id 1", err)
		return defaultNetworkDatacenterID
	}
	if len(mac) < 2 {
		logEvent(logger, "NODE IDENTITY", "no non-loopback IPv4 interface, using default datacenter id 1", nil)
		return defaultNetworkDatacenterID
	}
	low := uint64(mac[len(mac)-2])
	high := uint64(mac[len(mac)-1]) << 8
	return uint8(((low | high) >> 6) % (MaxDatacenterID + 1))
}

func networkWorkerID(datacenterID uint8, pid int) uint8 {
	mpid := strconv.Itoa(int(datacenterID)) + strconv.Itoa(pid)
	return uint8((xxhash.Sum64String(mpid) & 0xffff) % (MaxWorkerID + 1))
}
