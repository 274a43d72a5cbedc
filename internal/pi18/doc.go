// Package pi18 implements the PI18 serial protocol spoken by MPP Solar
// inverters and their VEVOR-branded clones.
//
// # Wire Format
//
// Requests are ASCII frames with a binary CRC:
//
//	^Pnnn<command><crc16><cr>   query
//	^Snnn<command><crc16><cr>   setting
//
// where nnn is a zero-padded decimal length covering the command text,
// the two CRC bytes, and the trailing carriage return. The CRC is
// CRC-16/XMODEM computed over everything before it, with the bytes
// 0x28, 0x0d and 0x0a incremented by one when they appear in the CRC
// output (the inverter firmware treats them as framing characters).
//
// Data responses arrive as:
//
//	^Dnnn<field>,<field>,...<crc16><cr>
//
// Settings are acknowledged with ^1 (accepted) or ^0 (rejected).
//
// # Layers
//
// The package has two layers:
//
//   - Client: request/response transport over a serial port. One
//     in-flight request at a time; polls and settings share the port.
//   - Device: typed commands (GeneralStatus, WorkingMode, settings)
//     on top of any Connector, so tests can substitute a fake.
//
// # Usage
//
//	client, err := pi18.Connect(pi18.Config{Port: "/dev/ttyUSB0", Baud: 2400})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	dev := pi18.NewDevice(client)
//	status, err := dev.GeneralStatus(ctx)
package pi18
