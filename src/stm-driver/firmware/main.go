// Package firmware updates the controller application on network-attached
// rigs. A rig in normal mode is asked to reboot into its bootloader with the
// DFU command, rediscovered in bootloader mode and then sent the new image
// over TFTP.
package firmware

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/libp2p/zeroconf/v2"
	"github.com/pin/tftp"

	"github.com/attolab/stm-driver/src/stm-driver/protocol"
)

const tftpPort = "69"
const controlPort = "47823"

const normalService = "_stmControl._tcp" // Service type for rigs in normal mode
const dfuService = "_stmUpdate._udp"     // Service type for rigs in bootloader mode

// Command-line interface to Update
func Command(flags []string) {
	updateFlags := flag.NewFlagSet("update-firmware", flag.ExitOnError)
	imagePath := updateFlags.String("i", "", "Firmware image path")
	configuredAddr := updateFlags.String("a", "", "Rig address (optional)")
	configuredSerial := updateFlags.String("s", "", "Rig serial (optional)")
	updateFlags.Parse(flags)

	if *imagePath == "" {
		flag.PrintDefaults()
		return
	}
	file, err := os.Open(*imagePath)
	if err != nil {
		fmt.Printf("Could not open image file: %v\n", err)
		os.Exit(1)
	}

	err = Update(context.Background(), file, configuredAddr, configuredSerial, UpdateDepsImpl{})
	if err != nil {
		fmt.Println(err.Error())
		fmt.Println()
		fmt.Println("Update failed. Power-cycle the rig, wait 30 seconds and run this update tool again.")
		os.Exit(1)
	}

	os.Exit(0)
}

// Update function dependencies
type UpdateDeps interface {
	Discover(ctx context.Context, service string, wantedSerial *string) (string, error)
	SendDfuCommand(host, port string) error
	PutTFTP(host, port string, image io.Reader) error
	Sleep(duration time.Duration)
}

func Update(ctx context.Context, image io.Reader, configuredAddr *string, wantedSerial *string, impl UpdateDeps) (fail error) {
	if *configuredAddr != "" {
		host := Host{
			addr:    *configuredAddr,
			service: normalService, // Assume it's in normal mode
		}
		return UpdateByAddress(ctx, image, host, impl)
	}
	return UpdateByDiscovery(ctx, image, wantedSerial, impl)
}

func UpdateByDiscovery(parentCtx context.Context, image io.Reader, wantedSerial *string, impl UpdateDeps) (fail error) {
	host, err := DiscoverAny(parentCtx, wantedSerial, impl)
	if err != nil {
		return fmt.Errorf("Discovery failed.")
	}
	return UpdateByAddress(parentCtx, image, host, impl)
}

func DiscoverAny(parentCtx context.Context, wantedSerial *string, impl UpdateDeps) (host Host, fail error) {
	host, fail = DiscoverWithTimeout(parentCtx, 15*time.Second, normalService, wantedSerial, impl)
	if fail != nil {
		host, fail = DiscoverWithTimeout(parentCtx, 15*time.Second, dfuService, wantedSerial, impl)
	}
	return host, fail
}

// Represents a host that has already been discovered
type Host struct {
	addr    string
	service string
}

func UpdateByAddress(parentCtx context.Context, image io.Reader, host Host, impl UpdateDeps) (fail error) {
	var dfuHost Host
	// 1: Ask the rig to reboot into its bootloader, unless it is already
	// known to be in bootloader mode.
	if host.service == normalService {
		err := impl.SendDfuCommand(host.addr, controlPort)

		// If sending the DFU command failed the rig could already be in
		// bootloader mode. Keep going.
		if err != nil {
			fmt.Printf("Could not send DFU command to rig at %s: %s\n", host.addr, err)
		}

		// 2: (Re-)discover the rig in bootloader mode
		discoveredHost, discoveryError := DiscoverWithTimeout(parentCtx, 60*time.Second, dfuService, nil, impl)
		if discoveryError != nil {
			return discoveryError
		}
		dfuHost = discoveredHost
	} else {
		dfuHost = host
	}

	// 3: Transfer the firmware via TFTP.
	// Wait for the bootloader's TFTP server to come up.
	impl.Sleep(5 * time.Second)
	if err := impl.PutTFTP(dfuHost.addr, tftpPort, image); err != nil {
		return err
	}

	fmt.Println("Success! Firmware transmitted to rig.")
	return nil
}

func DiscoverWithTimeout(
	parentCtx context.Context,
	duration time.Duration,
	service string,
	wantedSerial *string,
	impl UpdateDeps,
) (Host, error) {
	ctx, cancel := context.WithTimeout(parentCtx, duration)
	addr, err := impl.Discover(ctx, service, wantedSerial)
	cancel()
	return Host{addr: addr, service: service}, err
}

type UpdateDepsImpl struct{}

func (u UpdateDepsImpl) Sleep(duration time.Duration) {
	time.Sleep(duration)
}

// SendDfuCommand connects to the rig's control port and issues the DFU
// command. The rig acknowledges with an OK line before dropping the link.
func (u UpdateDepsImpl) SendDfuCommand(host string, port string) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 5*time.Second)
	if err != nil {
		return fmt.Errorf("Could not dial connection to rig at %s:%s: %v", host, port, err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, protocol.EncodeDfu()+"\n"); err != nil {
		return fmt.Errorf("Could not send DFU command: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		header, ok := protocol.ParseHeader(scanner.Bytes())
		if !ok || header.Kind == protocol.HeaderUnknown {
			continue
		}
		if header.Kind == protocol.HeaderErr {
			return fmt.Errorf("Rig refused DFU command: %s", scanner.Text())
		}
		break
	}

	fmt.Printf("Sent DFU command to %s:%s.\n", host, port)

	return nil
}

func (u UpdateDepsImpl) PutTFTP(host string, port string, image io.Reader) error {
	client, err := tftp.NewClient(net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("Could not create tftp client: %v", err)
	}
	rf, err := client.Send("rig-app.bin", "octet")
	if err != nil {
		return fmt.Errorf("Could not create send connection: %v", err)
	}
	n, err := rf.ReadFrom(image)
	if err != nil {
		return fmt.Errorf("Could not read from file: %v", err)
	}
	fmt.Printf("%d bytes sent\n", n)
	return nil
}

func (u UpdateDepsImpl) Discover(ctx context.Context, service string, wantedSerial *string) (addr string, err error) {
	fmt.Printf("Starting discovery: %s\n", service)

	entries := make(chan *zeroconf.ServiceEntry)

	err = zeroconf.Browse(ctx, service, "local.", entries)
	if err != nil {
		return "", fmt.Errorf("Browsing failed: %v", err)
	}
	return resolveEntries(entries, wantedSerial)
}

func resolveEntries(entries chan *zeroconf.ServiceEntry, wantedSerial *string) (addr string, err error) {
	devices := make(map[string][]string)
	entriesWithoutSerial := 0

	select {
	case entry := <-entries:
		if entry == nil {
			break
		}

		serial := serialFromText(entry.Text)
		if serial == "" {
			entriesWithoutSerial++
			serial = fmt.Sprintf("UNKNOWN-%d", entriesWithoutSerial)
		}
		if wantedSerial != nil && *wantedSerial != "" && serial != *wantedSerial {
			break
		}
		for _, candidate := range entry.AddrIPv4 {
			if candidate.String() == "0.0.0.0" {
				fmt.Printf("Skipping discovered address 0.0.0.0 for %s.\n", serial)
			} else {
				devices[serial] = append(devices[serial], candidate.String())
			}
		}
	}

	if len(devices) == 0 {
		if wantedSerial != nil && *wantedSerial != "" {
			return "", fmt.Errorf("Could not find rig %s.", *wantedSerial)
		}
		return "", fmt.Errorf("No rig found.")
	}
	if len(devices) > 1 {
		return "", fmt.Errorf("Discovered multiple rigs: %v. Please specify a serial or IP.", devices)
	}
	for serial, addrs := range devices {
		addr = addrs[0]
		fmt.Printf("Discovered %s at %v, using %s.\n", serial, addrs, addr)
	}
	return addr, nil
}

func serialFromText(text []string) string {
	for _, txt := range text {
		if strings.HasPrefix(txt, "ser_no=") {
			return strings.TrimPrefix(txt, "ser_no=")
		}
	}
	return ""
}
