package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	modbus "github.com/grid-x/modbus-stack"
)

type option struct {
	address string
	unit    int
	timeout time.Duration

	rtu struct {
		baudrate   int
		dataBits   int
		parity     string
		stopBits   int
		interFrame string
	}

	logger *debugAdapter
}

func main() {
	var opt option
	// general
	flag.StringVar(&opt.address, "address", "tcp://127.0.0.1:502", "Example: tcp://127.0.0.1:502, udp://127.0.0.1:502, rtu:///dev/ttyUSB0, ascii:///dev/ttyUSB0")
	flag.IntVar(&opt.unit, "unit", 1, "Unit address of the server, 0 broadcasts")
	flag.DurationVar(&opt.timeout, "timeout", time.Second, "Modbus response timeout")
	// rtu
	flag.IntVar(&opt.rtu.baudrate, "rtu-baudrate", 19200, "Symbol rate, e.g.: 300, 600, 1200, 2400, 4800, 9600, 19200, 38400")
	flag.IntVar(&opt.rtu.dataBits, "rtu-databits", 8, "5, 6, 7 or 8")
	flag.StringVar(&opt.rtu.parity, "rtu-parity", "E", "Parity: N - None, E - Even, O - Odd")
	flag.IntVar(&opt.rtu.stopBits, "rtu-stopbits", 1, "1 or 2")
	flag.StringVar(&opt.rtu.interFrame, "rtu-interframe", "", "Inter-frame silence override, e.g. 48bit or 10ms")

	var (
		fnCode   = flag.Int("fn-code", 0x03, "Function code to execute")
		register = flag.Int("register", 0, "Starting register or coil address")
		quantity = flag.Int("quantity", 1, "Number of registers or coils")
		values   = flag.String("values", "", "Comma separated values to write, e.g. 1,0,1 or 0x000A,0x0102")
		logframe = flag.Bool("log-frame", false, "prints received and sent modbus frames")
	)

	flag.Parse()

	if len(os.Args) == 1 {
		flag.PrintDefaults()
		return
	}

	logger := slog.Default()
	if *register > 0xFFFF || *register < 0 {
		logger.Error("invalid register value: " + strconv.Itoa(*register))
		os.Exit(-1)
	}
	if *logframe {
		opt.logger = &debugAdapter{logger}
	}

	client, err := newClient(opt)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
	client.Timeout = opt.timeout
	if opt.logger != nil {
		client.Logger = opt.logger
	}

	ctx := context.Background()
	if err := client.Open(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
	defer client.Close()

	result, err := exec(ctx, client, byte(opt.unit), *fnCode, uint16(*register), uint16(*quantity), *values)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
	fmt.Println(result)
}

func newClient(opt option) (*modbus.Client, error) {
	u, err := url.Parse(opt.address)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp":
		return modbus.TCPClient(u.Host), nil
	case "udp":
		return modbus.UDPClient(u.Host), nil
	case "rtu+tcp":
		return modbus.RTUOverTCPClient(u.Host), nil
	case "rtu+udp":
		return modbus.RTUOverUDPClient(u.Host), nil
	case "ascii+tcp":
		return modbus.ASCIIOverTCPClient(u.Host), nil
	case "rtu", "ascii":
		transport := modbus.NewSerialTransport(u.Path)
		transport.Config.BaudRate = opt.rtu.baudrate
		transport.Config.DataBits = opt.rtu.dataBits
		transport.Config.Parity = opt.rtu.parity
		transport.Config.StopBits = opt.rtu.stopBits
		if u.Scheme == "ascii" {
			return modbus.NewClient(modbus.NewASCIIFramer(transport), transport), nil
		}
		framer := modbus.NewRTUFramer(transport)
		if opt.rtu.interFrame != "" {
			if err := framer.SetInterFrameTimeout(opt.rtu.interFrame); err != nil {
				return nil, err
			}
		}
		return modbus.NewClient(framer, transport), nil
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
}

func exec(ctx context.Context, client *modbus.Client, unit byte, fnCode int, register, quantity uint16, values string) (string, error) {
	switch fnCode {
	case modbus.FuncCodeReadCoils:
		bits, err := client.ReadCoils(ctx, unit, register, quantity)
		return formatBits(register, bits), err
	case modbus.FuncCodeReadDiscreteInputs:
		bits, err := client.ReadDiscreteInputs(ctx, unit, register, quantity)
		return formatBits(register, bits), err
	case modbus.FuncCodeReadHoldingRegisters:
		words, err := client.ReadHoldingRegisters(ctx, unit, register, quantity)
		return formatWords(register, words), err
	case modbus.FuncCodeReadInputRegisters:
		words, err := client.ReadInputRegisters(ctx, unit, register, quantity)
		return formatWords(register, words), err
	case modbus.FuncCodeWriteSingleCoil:
		bits, err := parseBits(values)
		if err != nil || len(bits) != 1 {
			return "", fmt.Errorf("-values must hold exactly one of 0/1: %q", values)
		}
		_, err = client.WriteSingleCoil(ctx, unit, register, bits[0])
		return "ok", err
	case modbus.FuncCodeWriteSingleRegister:
		words, err := parseWords(values)
		if err != nil || len(words) != 1 {
			return "", fmt.Errorf("-values must hold exactly one register: %q", values)
		}
		_, err = client.WriteSingleRegister(ctx, unit, register, words[0])
		return "ok", err
	case modbus.FuncCodeWriteMultipleCoils:
		bits, err := parseBits(values)
		if err != nil {
			return "", err
		}
		n, err := client.WriteMultipleCoils(ctx, unit, register, bits)
		return fmt.Sprintf("wrote %d coils", n), err
	case modbus.FuncCodeWriteMultipleRegisters:
		words, err := parseWords(values)
		if err != nil {
			return "", err
		}
		n, err := client.WriteMultipleRegisters(ctx, unit, register, words)
		return fmt.Sprintf("wrote %d registers", n), err
	case modbus.FuncCodeReportServerID:
		report, err := client.ReportServerID(ctx, unit)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("server id %d running %v %q", report.ServerID, report.RunIndicatorStatus, report.AdditionalData), nil
	default:
		return "", fmt.Errorf("unsupported function code %d", fnCode)
	}
}

func formatBits(register uint16, bits []bool) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 1, ' ', 0)
	for i, b := range bits {
		v := 0
		if b {
			v = 1
		}
		fmt.Fprintf(w, "%d\t%d\n", register+uint16(i), v)
	}
	w.Flush()
	return sb.String()
}

func formatWords(register uint16, words []uint16) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 1, ' ', 0)
	for i, v := range words {
		fmt.Fprintf(w, "%d\t%d\t0x%04X\n", register+uint16(i), v, v)
	}
	w.Flush()
	return sb.String()
}

func parseBits(values string) ([]bool, error) {
	var bits []bool
	for _, field := range strings.Split(values, ",") {
		switch strings.TrimSpace(field) {
		case "1", "true", "on":
			bits = append(bits, true)
		case "0", "false", "off":
			bits = append(bits, false)
		default:
			return nil, fmt.Errorf("invalid coil value %q", field)
		}
	}
	return bits, nil
}

func parseWords(values string) ([]uint16, error) {
	var words []uint16
	for _, field := range strings.Split(values, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(field), 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid register value %q", field)
		}
		words = append(words, uint16(v))
	}
	return words, nil
}
