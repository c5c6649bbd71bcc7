package protocol

import (
	"sort"
	"strconv"
)

// REPL commands
func (stack *IPStack) Li() string {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()

	iface := stack.Iface
	var res = "Name Addr/Prefix  State"
	res += "\n" + iface.Name + "  " + iface.IP.String() + "/" + strconv.Itoa(iface.Prefix.Bits())
	if iface.Down {
		res += "  down"
	} else {
		res += "  up"
	}
	return res
}

func (stack *IPStack) Ln() string {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()

	var res = "Iface VIP        UDPAddr"
	if stack.Iface.Down {
		return res
	}
	neighbors := make([]string, 0, len(stack.Iface.Neighbors))
	for neighborIp, neighborAddrPort := range stack.Iface.Neighbors {
		neighbors = append(neighbors, stack.Iface.Name+"   "+neighborIp.String()+"   "+neighborAddrPort.String())
	}
	sort.Strings(neighbors)
	for _, line := range neighbors {
		res += "\n" + line
	}
	return res
}

func (stack *IPStack) Lr() string {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()

	var res = "T     Prefix       Next hop"
	lines := make([]string, 0, len(stack.Forward_table))
	for prefix, r := range stack.Forward_table {
		nextHopStr := formatAddr(r.NextHop)
		if r.Type == "L" {
			nextHopStr = "LOCAL:" + stack.Iface.Name
		}
		lines = append(lines, r.Type+"     "+prefix.String()+"  "+nextHopStr)
	}
	sort.Strings(lines)
	for _, line := range lines {
		res += "\n" + line
	}
	return res
}

func (stack *IPStack) Down() {
	stack.Mutex.Lock()
	defer stack.Mutex.Unlock()
	stack.Iface.Down = true
}

func (stack *IPStack) Up() {
	stack.Mutex.Lock()
	defer stack.Mutex.Unlock()
	stack.Iface.Down = false
}
