package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tcp-tcp-team-pa/lnxconfig"
	"tcp-tcp-team-pa/logging"
	protocol "tcp-tcp-team-pa/pkg"
	tcp_protocol "tcp-tcp-team-pa/tcp_pkg"
)

const acceptPoll = 50 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "node config file")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides the config)")
	logFormat := flag.String("log-format", "", "console or json (overrides the config)")
	flag.Parse()
	if *configPath == "" {
		fmt.Println("Usage: ./vhost --config <lnx file>")
		os.Exit(2)
	}

	// Parse the lnx file
	lnxConfig, err := lnxconfig.ParseConfig(*configPath)
	if err != nil {
		fmt.Println("error parsing config file:", err)
		os.Exit(1)
	}
	if *logLevel == "" {
		*logLevel = lnxConfig.LogLevel
	}
	if *logFormat == "" {
		*logFormat = lnxConfig.LogFormat
	}
	logger, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Create a new IP stack
	ipStack, err := protocol.NewIPStack(lnxConfig, logger)
	if err != nil {
		logger.Fatal("starting ip stack", zap.Error(err))
	}
	defer ipStack.Close()

	// Create a new TCP stack on top of it
	tcpStack := tcp_protocol.NewTCPStack(lnxConfig.IP, ipStack.Substrate(protocol.TCPProtocol), lnxConfig.ToTCPConfig(), logger)
	ipStack.RegisterTransport(protocol.TCPProtocol, tcpStack.TCPHandler)

	go func() {
		if err := ipStack.Run(); err != nil {
			logger.Error("receive loop stopped", zap.Error(err))
		}
	}()
	logger.Info("host up", zap.Stringer("ip", lnxConfig.IP), zap.Stringer("udp", lnxConfig.UDP))

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Enter command:")
	for scanner.Scan() {
		if quit := runCommand(ipStack, tcpStack, scanner.Text()); quit {
			return
		}
	}
}

func runCommand(ipStack *protocol.IPStack, tcpStack *tcp_protocol.TCPStack, userInput string) bool {
	fields := strings.Fields(userInput)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "li":
		fmt.Println(ipStack.Li())
	case "ln":
		fmt.Println(ipStack.Ln())
	case "lr":
		fmt.Println(ipStack.Lr())
	case "down":
		ipStack.Down()
	case "up":
		ipStack.Up()
	case "send":
		if len(fields) < 3 {
			fmt.Println("Usage: send <vip> <message>")
			return false
		}
		destIP, perr := netip.ParseAddr(fields[1])
		if perr != nil {
			fmt.Println("Please enter a valid IP address after send")
			return false
		}
		message := strings.Join(fields[2:], " ")
		err = ipStack.SendIP(destIP, protocol.TestProtocol, []byte(message))
	case "ls":
		tcpStack.ListSockets(os.Stdout)
	case "info":
		socketID, ok := intArg(fields, 1)
		if !ok {
			fmt.Println("Usage: info <socket ID>")
			return false
		}
		err = tcpStack.DescribeSocket(os.Stdout, socketID)
	case "a":
		port, ok := portArg(fields, 1)
		if !ok {
			fmt.Println("Usage: a <port>")
			return false
		}
		err = tcpStack.ACommand(os.Stdout, port, acceptPoll)
	case "c":
		if len(fields) != 3 {
			fmt.Println("Usage: c <vip> <port>")
			return false
		}
		ip, perr := netip.ParseAddr(fields[1])
		port, ok := portArg(fields, 2)
		if perr != nil || !ok {
			fmt.Println("Usage: c <vip> <port>")
			return false
		}
		err = tcpStack.CCommand(os.Stdout, ip, port)
	case "s":
		socketID, ok := intArg(fields, 1)
		if !ok || len(fields) < 3 {
			fmt.Println("Usage: s <socket ID> <bytes>")
			return false
		}
		// Keep the payload's own spacing
		bytesToSend := strings.SplitN(strings.TrimSpace(userInput), " ", 3)[2]
		err = tcpStack.SCommand(os.Stdout, socketID, bytesToSend)
	case "r":
		socketID, ok := intArg(fields, 1)
		numBytesToRead, ok2 := intArg(fields, 2)
		if !ok || !ok2 || numBytesToRead <= 0 {
			fmt.Println("Usage: r <socket ID> <numbytes>")
			return false
		}
		err = tcpStack.RCommand(os.Stdout, socketID, numBytesToRead)
	case "cl":
		socketID, ok := intArg(fields, 1)
		if !ok {
			fmt.Println("Usage: cl <socket ID>")
			return false
		}
		err = tcpStack.CloseCommand(socketID)
	case "rl":
		socketID, ok := intArg(fields, 1)
		if !ok {
			fmt.Println("Usage: rl <socket ID>")
			return false
		}
		err = tcpStack.ReleaseCommand(socketID)
	case "q", "exit":
		return true
	default:
		fmt.Println("Invalid command.")
	}
	if err != nil {
		fmt.Println("Error:", err)
	}
	return false
}

func intArg(fields []string, i int) (int, bool) {
	if len(fields) <= i {
		return 0, false
	}
	v, err := strconv.Atoi(fields[i])
	return v, err == nil
}

func portArg(fields []string, i int) (uint16, bool) {
	if len(fields) <= i {
		return 0, false
	}
	v, err := strconv.ParseUint(fields[i], 10, 16)
	return uint16(v), err == nil
}
