package validator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"btc-minter/pkg/address"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Init 在 gin 默认的校验器上注册自定义规则
// btc_address: 当前网络下可解析的地址
// subaccount: 空，或 64 位 hex (32 字节)
func Init(network *chaincfg.Params) {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		register(v, network)
	}
}

// New 返回独立的校验器，主要给 gRPC 与测试使用
func New(network *chaincfg.Params) *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	register(v, network)
	return v
}

func register(v *validator.Validate, network *chaincfg.Params) {
	gen := address.NewBTCGenerator(network)
	_ = v.RegisterValidation("btc_address", func(fl validator.FieldLevel) bool {
		_, err := gen.Decode(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("subaccount", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		b, err := hex.DecodeString(s)
		return err == nil && len(b) == 32
	})
}

// GetErrorMsg translates validation errors into user-friendly messages
func GetErrorMsg(err error) string {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var errMsgs []string
		for _, e := range validationErrors {
			field := e.Field()
			tag := e.Tag()
			param := e.Param()

			switch tag {
			case "required":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 不能为空", field))
			case "min", "gte":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 至少为 %s", field, param))
			case "max", "lte":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 不能超过 %s", field, param))
			case "oneof":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 必须是 [%s] 之一", field, param))
			case "btc_address":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 不是当前网络的有效地址", field))
			case "subaccount":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 必须是 32 字节的 hex", field))
			default:
				errMsgs = append(errMsgs, fmt.Sprintf("%s 校验失败 (%s)", field, tag))
			}
		}
		return strings.Join(errMsgs, "; ")
	}
	return "请求参数错误"
}
