package utils

import (
	"errors"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	regA_Z  = regexp.MustCompile("[A-Z]+")
	rega_z  = regexp.MustCompile("[a-z]+")
	reg0_9  = regexp.MustCompile("[0-9]+")
	reg_chs = regexp.MustCompile(`[!\.@#$%~]+`)
)

func StrOrDef(s string, def string) string {
	if s == "" {
		return def
	}
	return s
}

// RoundTo keeps n decimals.
func RoundTo(n float64, decimals uint32) float64 {
	return math.Round(n*math.Pow(10, float64(decimals))) / math.Pow(10, float64(decimals))
}

func ToUint(id string) uint {
	idint, err := strconv.Atoi(id)
	if err != nil {
		return 0
	}
	return uint(idint)
}

var errWeakPassword = errors.New("password must be at least 8 characters and contain upper, lower, digit and one of .!@#$%~")

func ValidPassword(input string) error {
	if len(input) < 8 {
		return errWeakPassword
	}
	if !regA_Z.Match([]byte(input)) {
		return errWeakPassword
	}
	if !rega_z.Match([]byte(input)) {
		return errWeakPassword
	}
	if !reg0_9.Match([]byte(input)) {
		return errWeakPassword
	}
	if !reg_chs.Match([]byte(input)) {
		return errWeakPassword
	}
	return nil
}

func MakePassword(input string) (string, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input), bcrypt.DefaultCost)
	return string(hashedPassword), err
}

func ValidatePassword(password string, hashedPassword string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

func GeneratePassword() string {
	r := []rune{}
	r = append(r, randomRune(4, runeKindLower)...)
	r = append(r, randomRune(3, runeKindUpper)...)
	r = append(r, randomRune(2, runeKindNum)...)
	r = append(r, randomRune(1, runeKindChar)...)
	rand.Shuffle(len(r), func(i, j int) {
		if rand.Intn(10) > 5 {
			r[i], r[j] = r[j], r[i]
		}
	})
	return string(r)
}

func JoinFlagName(prefix, key string) string {
	if prefix == "" {
		return strings.ToLower(key)
	}
	return strings.ToLower(prefix + "-" + key)
}

const (
	runeKindNum   = "num"
	runeKindLower = "lower"
	runeKindUpper = "upper"
	runeKindChar  = "char"
)

var (
	lowerLetterRunes = []rune("abcdefghijklmnopqrstuvwxyz")
	upperLetterRunes = []rune("ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	numRunes         = []rune("0123456789")
	charRunes        = []rune("!.@#$%~")
)

func randomRune(n int, kind string) []rune {
	b := make([]rune, n)
	var l []rune
	switch kind {
	case runeKindChar:
		l = charRunes
	case runeKindUpper:
		l = upperLetterRunes
	case runeKindLower:
		l = lowerLetterRunes
	case runeKindNum:
		l = numRunes
	default:
		l = lowerLetterRunes
	}
	length := len(l)
	for i := range b {
		b[i] = l[rand.Intn(length)]
	}
	return b
}
