package xerrors

// 数值核心使用的哨兵错误。调用方通过 Newf 派生带详细信息的实例，并用 errors.Is 匹配。
var (
	// ErrEmptyData 输入数据为空。
	ErrEmptyData = New(ErrInvalidArg, 400001, "empty data", "input data must not be empty", nil)
	// ErrInvalidInput 输入格式错误。
	ErrInvalidInput = New(ErrInvalidArg, 400002, "invalid input", "check your input parameters", nil)
	// ErrInvalidConfig 配置错误。
	ErrInvalidConfig = New(ErrInvalidArg, 400005, "invalid config", "check grid and simulation parameters", nil)
	// ErrDimMismatch 维度不匹配.
	ErrDimMismatch = New(ErrInvalidArg, 400007, "dimension mismatch", "vector sizes do not match", nil)
	// ErrNotSquare 不是方阵.
	ErrNotSquare = New(ErrInvalidArg, 400008, "matrix must be square", "input matrix is not square", nil)
	// ErrNotPositiveDefinite 不是正定矩阵.
	ErrNotPositiveDefinite = New(ErrInvalidArg, 400009, "matrix is not positive definite", "input matrix must be positive definite", nil)
	// ErrNanNode 对 NaN 哨兵节点执行了运算。
	ErrNanNode = New(ErrInvalidArg, 400020, "nan node", "operation on the nan sentinel node", nil)
	// ErrNodeOutOfRange 节点编号超出图的范围。
	ErrNodeOutOfRange = New(ErrInvalidArg, 400021, "node out of range", "node id does not exist in graph", nil)
	// ErrTimeInconsistent 两个随机变量的时间标签不一致。
	ErrTimeInconsistent = New(ErrInvalidArg, 400022, "time inconsistent", "random variables carry different times", nil)
	// ErrRollbackDirection 回滚方向错误。
	ErrRollbackDirection = New(ErrInvalidArg, 400023, "invalid rollback", "rollback requires t0 <= t1", nil)
	// ErrScriptSyntax 脚本语法错误。
	ErrScriptSyntax = New(ErrInvalidArg, 400024, "script syntax error", "script could not be parsed", nil)
	// ErrUnknownVariable 变量不存在。
	ErrUnknownVariable = New(ErrNotFound, 404020, "unknown variable", "variable is not defined", nil)
	// ErrUnknownScript 脚本未登记。
	ErrUnknownScript = New(ErrNotFound, 404021, "unknown script", "script is not registered", nil)
	// ErrRequirementFailed 脚本 REQUIRE 条件不满足。
	ErrRequirementFailed = New(ErrInvalidArg, 400025, "requirement failed", "script requirement is not satisfied", nil)
	// ErrMathConvergence 数学计算未收敛。
	ErrMathConvergence = New(ErrInternal, 500002, "math convergence failed", "algorithm failed to converge", nil)
	// ErrNotImplemented 功能未实现。
	ErrNotImplemented = New(ErrUnimplemented, 501001, "not implemented", "operation is not implemented", nil)
	// ErrUnsupportedTrade 引擎不支持的交易类型。
	ErrUnsupportedTrade = New(ErrUnimplemented, 501002, "unsupported trade", "trade type is not supported by this engine", nil)
)
