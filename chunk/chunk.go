package chunk

import (
	"github.com/pkg/errors"
)

var (
	ErrorOutOfRange       = errors.New("chunk index out of range")
	ErrorInvalidChunkSize = errors.New("chunk size must be larger than zero")
	ErrorInvalidRegion    = errors.New("region is outside of the image")
)

/* Chunk is a view into the image, Data aliases the backing buffer */
type Chunk struct {
	Index   uint32
	Address uint64
	Page    uint32
	Offset  int
	Data    []byte
}

func (c Chunk) Size() int {
	return len(c.Data)
}

/* Region places part of the image at an explicit device address */
type Region struct {
	Name    string
	Offset  int
	Size    int
	Address uint64
}

type layout struct {
	Region

	first uint32
	count uint32

	headLen    int
	headCount  uint32
	pageChunks uint32
}

type Source struct {
	data []byte

	pageSize     uint32
	maxChunkSize uint32

	regions []layout
	total   uint32
}

/* New splits data into chunks of at most maxChunkSize bytes starting at base.
 * A pageSize of zero disables page alignment. */
func New(data []byte, base uint64, pageSize uint32, maxChunkSize uint32) (*Source, error) {
	return NewRegions(data, []Region{{Offset: 0, Size: len(data), Address: base}}, pageSize, maxChunkSize)
}

/* NewRegions is like New but every region gets its own start address. Chunk
 * indices run contiguously over the regions in the order given. */
func NewRegions(data []byte, regions []Region, pageSize uint32, maxChunkSize uint32) (*Source, error) {
	if maxChunkSize == 0 {
		return nil, ErrorInvalidChunkSize
	}

	s := &Source{
		data:         data,
		pageSize:     pageSize,
		maxChunkSize: maxChunkSize,
	}

	for _, r := range regions {
		if r.Offset < 0 || r.Size < 0 || r.Offset+r.Size > len(data) {
			return nil, errors.Wrapf(ErrorInvalidRegion, "region %q [%#x+%#x] in %#x byte image", r.Name, r.Offset, r.Size, len(data))
		}

		l := s.plan(r)
		l.first = s.total
		s.total += l.count
		s.regions = append(s.regions, l)
	}

	return s, nil
}

func ceilDiv(a int, b int) uint32 {
	return uint32((a + b - 1) / b)
}

func (s *Source) plan(r Region) layout {
	l := layout{Region: r}
	if r.Size == 0 {
		return l
	}

	m := int(s.maxChunkSize)
	if s.pageSize == 0 {
		l.headLen = r.Size
		l.headCount = ceilDiv(r.Size, m)
		l.count = l.headCount
		return l
	}

	/* The head is whatever is left of the first page */
	p := int(s.pageSize)
	l.headLen = p - int(r.Address%uint64(p))
	if l.headLen > r.Size {
		l.headLen = r.Size
	}
	l.headCount = ceilDiv(l.headLen, m)
	l.pageChunks = ceilDiv(p, m)

	rest := r.Size - l.headLen
	l.count = l.headCount + uint32(rest/p)*l.pageChunks + ceilDiv(rest%p, m)
	return l
}

func (s *Source) Len() uint32 {
	return s.total
}

func (s *Source) Bytes() []byte {
	return s.data
}

func (s *Source) Regions() []Region {
	result := make([]Region, len(s.regions))
	for i, m := range s.regions {
		result[i] = m.Region
	}
	return result
}

func (s *Source) Index(i uint32) (Chunk, error) {
	if i >= s.total {
		return Chunk{}, errors.Wrapf(ErrorOutOfRange, "index %d, length %d", i, s.total)
	}

	var l *layout
	for k := range s.regions {
		if i < s.regions[k].first+s.regions[k].count {
			l = &s.regions[k]
			break
		}
	}

	j := i - l.first
	m := int(s.maxChunkSize)

	var off, end int
	if j < l.headCount {
		off = int(j) * m
		end = min(off+m, l.headLen)
	} else {
		j -= l.headCount
		page := int(j / l.pageChunks)
		sub := int(j % l.pageChunks)
		pageStart := l.headLen + page*int(s.pageSize)

		off = pageStart + sub*m
		end = min(off+m, pageStart+int(s.pageSize))
	}
	end = min(end, l.Size)

	c := Chunk{
		Index:   i,
		Address: l.Address + uint64(off),
		Offset:  l.Offset + off,
	}
	c.Data = s.data[c.Offset : l.Offset+end : l.Offset+end]
	if s.pageSize > 0 {
		c.Page = uint32(c.Address / uint64(s.pageSize))
	}

	return c, nil
}

func (s *Source) Each(f func(c Chunk) error) error {
	for i := uint32(0); i < s.total; i++ {
		c, err := s.Index(i)
		if err != nil {
			return err
		}
		if err := f(c); err != nil {
			return err
		}
	}
	return nil
}
