package spiflash

import "context"

func completeIO(ctx context.Context, offset uint32, buf []byte, f func(ctx context.Context, offset uint32, buf []byte) (int, error)) (int, error) {
	index := 0

	for len(buf) > 0 {
		if err := ctx.Err(); err != nil {
			return index, err
		}

		n, err := f(ctx, offset, buf)
		index += n
		offset += uint32(n)

		if err != nil {
			return index, err
		}

		buf = buf[n:]
	}

	return index, nil
}

func pageCrossLength(offset uint32, txfr uint32, pageSize uint32) int {
	mask := (pageSize - 1)
	return int(pageSize - offset&mask)
}
