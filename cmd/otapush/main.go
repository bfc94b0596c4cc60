// Command otapush sends firmware and filesystem images to a device in OTA
// update mode.
package main

import (
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"openenterprise/otamode/otaserver"
	"openenterprise/otamode/otaserver/otaclient"

	"golang.org/x/term"
)

const (
	passwordEnv    = "OTA_PASSWORD"
	dialTimeout    = 10 * time.Second
	defaultTimeout = 30 * time.Second // per read/write, covers flash erase
)

func main() {
	// Load .env file before parsing flags
	loadEnvFile(".env")

	if len(os.Args) > 1 && os.Args[1] == "inspect" {
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "Usage: otapush inspect <file.uf2>")
			os.Exit(2)
		}
		if err := inspect(os.Stdout, os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	port := flag.Uint("port", uint(otaserver.DefaultPort), "Device OTA port")
	fs := flag.Bool("fs", false, "Push a filesystem image instead of firmware")
	password := flag.String("password", "", "OTA password (or use "+passwordEnv+" env var)")
	timeout := flag.Duration("timeout", defaultTimeout, "Timeout for each device reply")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() != 2 || *port == 0 || *port > 65535 {
		printUsage()
		os.Exit(2)
	}
	cmd := otaserver.CommandFlash
	if *fs {
		cmd = otaserver.CommandFilesystem
	}
	err := push(flag.Arg(0), uint16(*port), flag.Arg(1), cmd, getPassword(*password), *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "OTA push failed: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("otapush - push images to a device in OTA update mode")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  otapush [-port 4242] [-fs] [-password <pw>] <host> <image>")
	fmt.Println("  otapush inspect <file.uf2>")
	fmt.Println()
	fmt.Println("UF2 images are unpacked to a flat binary before sending.")
	fmt.Println()
	fmt.Println("Authentication:")
	fmt.Println("  Password can be provided via:")
	fmt.Println("    -password flag")
	fmt.Println("    " + passwordEnv + " environment variable")
	fmt.Println("    .env file (" + passwordEnv + "=...)")
	fmt.Println("    Interactive prompt")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  otapush 192.168.1.40 build/firmware.uf2")
	fmt.Println("  otapush -fs 192.168.1.40 build/littlefs.bin")
	fmt.Println("  otapush inspect build/firmware.uf2")
}

// loadImage reads path and unpacks UF2 containers.
func loadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !isUF2(data) {
		return data, nil
	}
	blocks, err := parseUF2(data)
	if err != nil {
		return nil, err
	}
	img, _, err := flattenUF2(blocks)
	return img, err
}

func push(host string, port uint16, path string, cmd otaserver.Command, password string, timeout time.Duration) error {
	image, err := loadImage(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	sum := sha256.Sum256(image)
	fmt.Printf("Image: %s (%s)\n", path, cmd)
	fmt.Printf("Size: %d bytes (%d KB)\n", len(image), len(image)/1024)
	fmt.Printf("SHA256: %x\n", sum[:8])
	fmt.Println()

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	fmt.Printf("Connecting to %s...\n", addr)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	last := -1
	err = otaclient.Push(&deadlineConn{Conn: conn, timeout: timeout}, image, otaclient.Options{
		Command:   cmd,
		Password:  password,
		Challenge: promptPassword, // only when the device sends AUTH
		Ready: func(max uint32) {
			fmt.Printf("Device ready, capacity %d bytes\n", max)
		},
		Progress: func(sent, total uint32) {
			if p := int(otaserver.Percent(sent, total)); p != last {
				last = p
				fmt.Printf("\r[%3d%%] %d/%d bytes", p, sent, total)
			}
		},
	})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Println("Image verified!")
	if cmd == otaserver.CommandFlash {
		fmt.Println("Device will reboot to new partition...")
	}
	return nil
}

// deadlineConn refreshes the deadline before every read and write.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}

func inspect(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	blocks, err := parseUF2(data)
	if err != nil {
		return err
	}
	img, base, err := flattenUF2(blocks)
	if err != nil {
		return err
	}
	first := blocks[0]
	fmt.Fprintf(w, "UF2 File: %s\n", path)
	fmt.Fprintf(w, "  File size: %d bytes (%d KB)\n", len(data), len(data)/1024)
	fmt.Fprintf(w, "  Blocks: %d (header says %d)\n", len(blocks), first.Total)
	fmt.Fprintf(w, "  Base address: 0x%08x\n", base)
	fmt.Fprintf(w, "  Payload per block: %d bytes\n", first.Size)
	fmt.Fprintf(w, "  Flags: 0x%08x%s\n", first.Flags, flagNames(first.Flags))
	if first.Flags&uf2FamilyPresent != 0 {
		fmt.Fprintf(w, "  Family ID: 0x%08x (%s)\n", first.FamilyID, familyName(first.FamilyID))
	}
	sum := sha256.Sum256(img)
	fmt.Fprintf(w, "  Image size: %d bytes (%d KB)\n", len(img), len(img)/1024)
	fmt.Fprintf(w, "  SHA256: %x\n", sum)
	return nil
}

func flagNames(flags uint32) string {
	names := []struct {
		bit  uint32
		name string
	}{
		{uf2NotMainFlash, "NOT_MAIN_FLASH"},
		{uf2FileContainer, "FILE_CONTAINER"},
		{uf2FamilyPresent, "FAMILY_ID_PRESENT"},
		{uf2MD5Present, "MD5_CHECKSUM_PRESENT"},
		{uf2ExtensionsTags, "EXTENSION_TAGS_PRESENT"},
	}
	var set []string
	for _, n := range names {
		if flags&n.bit != 0 {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return ""
	}
	return " [" + strings.Join(set, ", ") + "]"
}

// loadEnvFile sets variables from a KEY=value file without overriding the
// environment.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // File doesn't exist or can't be read, that's fine
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

var errNoTerminal = errors.New("stdin is not a terminal")

// getPassword resolves the password.
// Priority: flag > env > .env (already loaded). An empty result leaves the
// interactive prompt to the device's challenge.
func getPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(passwordEnv)
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Print("OTA password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Println()
	return string(pw), err
}
