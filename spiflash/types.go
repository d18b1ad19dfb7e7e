package spiflash

type flashDevice struct {
	deviceID uint32
	name     string

	opcodeChipErase  uint8
	opcodeBlockErase uint8

	blockSize uint32
	pageSize  uint32
	chipSize  uint32
}

var devices = []flashDevice{
	{deviceID: 0x1f65, name: "Adesto AT25DN512", opcodeChipErase: 0x60, opcodeBlockErase: 0x20, blockSize: 4096, pageSize: 256, chipSize: 64 * 1024},
	{deviceID: 0xef3012, name: "Winbond W25X20", opcodeChipErase: 0xC7, opcodeBlockErase: 0x20, blockSize: 4096, pageSize: 256, chipSize: 256 * 1024},
	{deviceID: 0xef4015, name: "Winbond W25Q16", opcodeChipErase: 0xC7, opcodeBlockErase: 0x20, blockSize: 4096, pageSize: 256, chipSize: 2 * 1024 * 1024},
	{deviceID: 0xef4017, name: "Winbond W25Q64", opcodeChipErase: 0xC7, opcodeBlockErase: 0x20, blockSize: 4096, pageSize: 256, chipSize: 8 * 1024 * 1024},
	{deviceID: 0xc22014, name: "Macronix MX25L8005", opcodeChipErase: 0x60, opcodeBlockErase: 0x20, blockSize: 4096, pageSize: 256, chipSize: 1024 * 1024},
	{deviceID: 0xc84016, name: "GigaDevice GD25Q32", opcodeChipErase: 0xC7, opcodeBlockErase: 0x20, blockSize: 4096, pageSize: 256, chipSize: 4 * 1024 * 1024},
}

func rightAlign(in uint32) (uint32, uint32) {
	mask := uint32(0)

	for (in >> 24) == 0 {
		in <<= 8
		mask <<= 8
		mask |= 0xFF
	}
	return in, ^mask
}

func deviceLookup(id uint32) (flashDevice, bool) {
	for _, m := range devices {
		compare, mask := rightAlign(m.deviceID)

		if id&mask == compare {
			return m, true
		}
	}
	return devices[0], false
}
