package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// readLine 读取一行（含换行符），buf 用于复用内存。超过 limit 字节的行被读完并丢弃，
// 返回 oversized=true。流结束且没有读到数据时返回 io.EOF。
func readLine(r *bufio.Reader, limit int, buf []byte) ([]byte, bool, error) {
	buf = buf[:0]
	read, oversized := 0, false
	for {
		chunk, err := r.ReadSlice('\n')
		read += len(chunk)
		if !oversized {
			if len(buf)+len(chunk) > limit+1 {
				oversized, buf = true, buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && (!errors.Is(err, io.EOF) || read == 0) {
			return nil, false, err
		}
		if !oversized && len(bytes.TrimRight(buf, "\r\n")) > limit {
			oversized, buf = true, buf[:0]
		}
		return buf, oversized, nil
	}
}
