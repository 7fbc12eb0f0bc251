// Package uartcon is the PL011 UART console: a byte-at-a-time,
// busy-wait transmitter satisfying both klog.Sink and svc.Console. The
// wire-level UART protocol itself is out of scope (spec.md §1 "UART
// char I/O internals") — this package only ever pokes the data and
// flag registers, never the line-control or baud-rate divisors a full
// driver would own.
//
// Grounded on iansmith-mazarin/src/mazboot/golang/main/kernel.go's
// mmio_write-based register bring-up, adapted from that file's
// Raspberry Pi 4 GPIO/UART0 peripheral bank (wrong base for this
// target) to the PL011 at bootcfg.UARTBase and to archasm's MMIO
// helpers instead of a go:linkname'd lib.s pair.
package uartcon

import (
	"vkernel/internal/archasm"
	"vkernel/internal/bootcfg"
)

const (
	regData = bootcfg.UARTBase + 0x00
	regFlag = bootcfg.UARTBase + 0x18
)

const flagTXFull = 1 << 5

var (
	mmioWrite = archasm.MMIOWrite32
	mmioRead  = archasm.MMIORead32
)

// Console is a PL011 transmitter. The zero value is ready to use; QEMU's
// virt machine has already configured the UART by the time Go code runs.
type Console struct{}

// New returns a ready-to-use console.
func New() *Console { return &Console{} }

// Write transmits p one byte at a time, busy-waiting while the
// transmit FIFO is full, and satisfies both klog.Sink and svc.Console.
func (c *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		for mmioRead(regFlag)&flagTXFull != 0 {
		}
		mmioWrite(regData, uint32(b))
	}
	return len(p), nil
}
