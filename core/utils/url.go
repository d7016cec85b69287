package utils

import "strings"

// StripQuery 去掉 URL 中的查询参数和片段
// 外部流地址带有会过期的签名参数，不能作为持久化的键
func StripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
