// Package hash 提供了基于 bcrypt 的密钥哈希与校验功能。
package hash

import "golang.org/x/crypto/bcrypt"

// HashPassword 对明文密钥进行 bcrypt 哈希。
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckPassword 校验明文密钥与 bcrypt 哈希是否匹配。
func CheckPassword(password, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
