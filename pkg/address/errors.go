package address

import "errors"

var ErrWrongNetwork = errors.New("地址不属于当前网络")
