// Command rina-demo wires two IPC processes over the loopback shim
// from a YAML DIF description, writes one SDU on the first configured
// connection, and prints what was delivered plus both IPCPs' RMT
// counters.
// Flag handling follows kissutil.go's pflag.StringP/BoolP style.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/rina-project/efcp/config"
	"github.com/rina-project/efcp/kipcm"
	"github.com/rina-project/efcp/pci"
	"github.com/rina-project/efcp/shim/loopback"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to a DIF YAML configuration file")
	message := pflag.StringP("message", "m", "hello, rina", "SDU payload to send across the demo connection")
	help := pflag.BoolP("help", "h", false, "Display help text")
	pflag.Parse()

	if *help || *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: rina-demo -c <dif.yaml> [-m message]")
		pflag.PrintDefaults()
		if *help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if err := run(*configPath, *message); err != nil {
		fmt.Fprintf(os.Stderr, "rina-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, message string) error {
	dif, err := config.Load(configPath)
	if err != nil {
		return err
	}

	medium := loopback.New()
	nodes := make(map[string]*kipcm.IPCP, len(dif.IPCPs))
	for _, n := range dif.IPCPs {
		nodes[n.Name] = kipcm.New(pci.Address(n.Address), medium)
	}

	for _, r := range dif.Routes {
		ip, ok := nodes[r.IPCP]
		if !ok {
			return fmt.Errorf("route references unknown ipcp %q", r.IPCP)
		}
		ports := make([]pci.PortID, len(r.Ports))
		for i, p := range r.Ports {
			ports[i] = pci.PortID(p)
		}
		ip.RouteAdd(pci.Address(r.Dest), pci.QoSID(r.QoS), ports)
	}

	if len(dif.Connections) == 0 {
		return fmt.Errorf("configuration defines no connections")
	}
	conn := dif.Connections[0]

	from, ok := nodes[conn.From]
	if !ok {
		return fmt.Errorf("connection references unknown ipcp %q", conn.From)
	}
	to, ok := nodes[conn.To]
	if !ok {
		return fmt.Errorf("connection references unknown ipcp %q", conn.To)
	}

	fromPort := pci.PortID(conn.FromPort)
	toPort := pci.PortID(conn.ToPort)

	if err := from.FlowCommit(fromPort); err != nil {
		return fmt.Errorf("flow commit on %q: %w", conn.From, err)
	}
	if err := to.FlowCommit(toPort); err != nil {
		return fmt.Errorf("flow commit on %q: %w", conn.To, err)
	}

	medium.Bind(fromPort, func(port pci.PortID, sdu []byte) error {
		return from.RMT.Receive(port, sdu)
	})
	medium.Bind(toPort, func(port pci.PortID, sdu []byte) error {
		return to.RMT.Receive(port, sdu)
	})
	medium.Connect(fromPort, toPort)

	cepFrom, err := from.ConnectionCreate(conn.EFCPParams(pci.Address(lookupAddress(dif, conn.From)), pci.Address(lookupAddress(dif, conn.To))))
	if err != nil {
		return fmt.Errorf("connection create on %q: %w", conn.From, err)
	}

	toParams := conn.EFCPParams(pci.Address(lookupAddress(dif, conn.To)), pci.Address(lookupAddress(dif, conn.From)))
	toParams.Port = toPort
	toParams.DstCEPID = cepFrom
	cepTo, err := to.ConnectionCreate(toParams)
	if err != nil {
		return fmt.Errorf("connection create on %q: %w", conn.To, err)
	}

	if err := from.ConnectionUpdate(cepFrom, cepTo); err != nil {
		return fmt.Errorf("connection update: %w", err)
	}

	if err := from.SDUWrite(fromPort, []byte(message)); err != nil {
		return fmt.Errorf("sdu write: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := to.SDURead(ctx, toPort)
	if err != nil {
		return fmt.Errorf("sdu read: %w", err)
	}

	fmt.Printf("delivered: %q\n", got)

	fromStats := from.RMT.Stats()
	toStats := to.RMT.Stats()
	fmt.Printf("%s rmt stats: %+v\n", conn.From, fromStats)
	fmt.Printf("%s rmt stats: %+v\n", conn.To, toStats)
	return nil
}

func lookupAddress(dif *config.DIF, name string) uint32 {
	for _, n := range dif.IPCPs {
		if n.Name == name {
			return n.Address
		}
	}
	return 0
}
