//go:build tinygo

// Package ota drives the RP2350 bootrom for A/B image updates: partition
// discovery, raw flash erase and program, TBYB confirmation and rebooting
// into a freshly written partition.
package ota

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

#define ROM_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_REBOOT         ROM_CODE('R', 'B')
#define ROM_EXPLICIT_BUY   ROM_CODE('E', 'B')
#define ROM_GET_SYS_INFO   ROM_CODE('G', 'S')
#define ROM_CONNECT_FLASH  ROM_CODE('I', 'F')
#define ROM_EXIT_XIP       ROM_CODE('E', 'X')
#define ROM_RANGE_ERASE    ROM_CODE('R', 'E')
#define ROM_RANGE_PROGRAM  ROM_CODE('R', 'P')
#define ROM_FLUSH_CACHE    ROM_CODE('F', 'C')

#define ROM_LOOKUP_PTR     (0x14 + 2)
#define RT_FLAG_ARM_SEC    0x0004

#define REBOOT_FLASH_UPDATE      0x4
#define REBOOT_NO_RETURN         0x100
#define SYS_INFO_BOOT_INFO       0x0040
#define SECTOR_ERASE_CMD         0x20

#define WATCHDOG_CTRL         0x400d8000
#define WATCHDOG_CTRL_TRIGGER (1u << 31)

typedef void *(*rom_lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);
typedef int (*rom_buy_fn)(uint8_t *buf, uint32_t size);
typedef int (*rom_sys_info_fn)(uint32_t *out, uint32_t words, uint32_t flags);
typedef void (*rom_void_fn)(void);
typedef void (*rom_erase_fn)(uint32_t addr, size_t count, uint32_t block, uint8_t cmd);
typedef void (*rom_program_fn)(uint32_t addr, const uint8_t *data, size_t count);

// TinyGo runs the RP2350 in secure state.
static void *rom_func(uint32_t code) {
	rom_lookup_fn lookup = (rom_lookup_fn)(uintptr_t)*(uint16_t*)(ROM_LOOKUP_PTR);
	return lookup(code, RT_FLAG_ARM_SEC);
}

static int ota_confirm(void) {
	rom_buy_fn buy = (rom_buy_fn)rom_func(ROM_EXPLICIT_BUY);
	if (!buy) return -1;
	uint32_t work[64];
	return buy((uint8_t*)work, sizeof(work));
}

// Word 1 of BOOT_INFO is 0xttppbbdd, pp is the boot partition.
static int ota_current_partition(void) {
	rom_sys_info_fn info = (rom_sys_info_fn)rom_func(ROM_GET_SYS_INFO);
	if (!info) return 0;
	uint32_t buf[5];
	if (info(buf, 5, SYS_INFO_BOOT_INFO) < 0 || !(buf[0] & SYS_INFO_BOOT_INFO)) return 0;
	uint8_t p = (buf[1] >> 16) & 0xff;
	return p == 0xff ? 0 : p;
}

// erase when data is NULL, program otherwise. Interrupts are masked while
// XIP is down.
static int ota_flash(uint32_t offset, const uint8_t *data, uint32_t len) {
	rom_void_fn connect = (rom_void_fn)rom_func(ROM_CONNECT_FLASH);
	rom_void_fn exit_xip = (rom_void_fn)rom_func(ROM_EXIT_XIP);
	rom_void_fn flush = (rom_void_fn)rom_func(ROM_FLUSH_CACHE);
	rom_erase_fn erase = (rom_erase_fn)rom_func(ROM_RANGE_ERASE);
	rom_program_fn program = (rom_program_fn)rom_func(ROM_RANGE_PROGRAM);
	if (!connect || !exit_xip || !flush || !erase || !program) return -1;

	uint32_t primask;
	__asm__ volatile ("mrs %0, primask" : "=r" (primask));
	__asm__ volatile ("cpsid i");
	connect();
	exit_xip();
	if (data == NULL) {
		erase(offset, len, 4096, SECTOR_ERASE_CMD);
	} else {
		program(offset, data, len);
	}
	flush();
	__asm__ volatile ("msr primask, %0" : : "r" (primask));
	return 0;
}

// p0 is the XIP address of the updated partition, as the Pico SDK does.
static int ota_reboot_into(uint32_t xip_addr) {
	rom_reboot_fn reboot = (rom_reboot_fn)rom_func(ROM_REBOOT);
	if (!reboot) return -1;
	int ret = reboot(REBOOT_FLASH_UPDATE | REBOOT_NO_RETURN, 1000, xip_addr, 0);
	if (ret == 0) {
		for (;;) { __asm__("wfi"); }
	}
	return ret;
}

static void ota_watchdog_reset(void) {
	*(volatile uint32_t*)WATCHDOG_CTRL = WATCHDOG_CTRL_TRIGGER;
	for (;;) { __asm__("nop"); }
}
*/
import "C"

import "errors"

var errFlashROM = errors.New("ota: flash bootrom functions unavailable")

// ConfirmPartition confirms the running image (TBYB). It must run within
// 16.7s of boot or the bootrom reverts to the previous partition.
func ConfirmPartition() error {
	if C.ota_confirm() != 0 {
		return ErrConfirmFailed
	}
	return nil
}

// CurrentPartition returns the partition the device booted from.
func CurrentPartition() int {
	return int(C.ota_current_partition())
}

// TargetPartition returns the inactive partition, where updates go.
func TargetPartition() int {
	return Other(CurrentPartition())
}

// ROM programs raw flash offsets through the bootrom. Unlike machine.Flash
// it does not add FlashDataStart, so it can reach the image partitions.
type ROM struct {
	page [PageSize]byte
}

// EraseSector erases the 4KB sector at offset.
func (r *ROM) EraseSector(offset uint32) error {
	if offset%SectorSize != 0 {
		return ErrUnaligned
	}
	if C.ota_flash(C.uint32_t(offset), nil, C.uint32_t(SectorSize)) != 0 {
		return errFlashROM
	}
	return nil
}

// Program writes p at offset. A trailing partial page is padded with 0xff.
func (r *ROM) Program(offset uint32, p []byte) error {
	if offset%PageSize != 0 {
		return ErrUnaligned
	}
	head, tail := padPage(p, &r.page)
	if len(head) > 0 {
		if C.ota_flash(C.uint32_t(offset), (*C.uint8_t)(&head[0]), C.uint32_t(len(head))) != 0 {
			return errFlashROM
		}
	}
	if tail != nil {
		off := offset + uint32(len(head))
		if C.ota_flash(C.uint32_t(off), (*C.uint8_t)(&tail[0]), C.uint32_t(len(tail))) != 0 {
			return errFlashROM
		}
	}
	return nil
}

var shutdown func()

// SetShutdown registers a hook run before any reboot, used to power down
// the WiFi chip cleanly.
func SetShutdown(fn func()) { shutdown = fn }

// RebootToPartition reboots into partition of l. It returns only on failure.
func RebootToPartition(l Layout, partition int) error {
	if shutdown != nil {
		shutdown()
	}
	C.ota_reboot_into(C.uint32_t(l.XIPAddr(partition)))
	return ErrRebootFailed
}

// Reboot resets the chip through the watchdog. It does not return.
func Reboot() {
	if shutdown != nil {
		shutdown()
	}
	C.ota_watchdog_reset()
}
