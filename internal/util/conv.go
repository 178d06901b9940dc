package util

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// MustParseInt 将字符串转换为整数，解析失败时返回默认值
func MustParseInt(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

// RandomFromAlphabet 从给定字符集中随机取 n 个字符
func RandomFromAlphabet(alphabet string, n int) string {
	var sb strings.Builder
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// 极少发生，退化为时间种子
			idx = big.NewInt(time.Now().UnixNano() % int64(len(alphabet)))
		}
		sb.WriteByte(alphabet[idx.Int64()])
	}
	return sb.String()
}

// Page 规范化分页参数
func Page(page, limit int) (offset, size int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	return (page - 1) * limit, limit
}
