package assets

import "io"

// progressReader reports read progress as a percentage of total. Values only
// grow and stop at 99; the caller reports 100 once the payload is stored.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	last  int
	fn    func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && p.fn != nil {
		pct := int(p.read * 100 / p.total)
		if pct > 99 {
			pct = 99
		}
		if pct > p.last {
			p.last = pct
			p.fn(pct)
		}
	}
	return n, err
}
