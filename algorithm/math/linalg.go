// Package math 提供路径生成所需的稠密矩阵与 Cholesky 分解.
package math

import (
	"math"

	"github.com/wyfcoding/quantcore/xerrors"
)

// Matrix 行优先存储的稠密矩阵.
type Matrix struct {
	Data []float64
	Rows int
	Cols int
}

// NewMatrix 创建一个 r x c 的零矩阵.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
	}
}

// Identity 返回 n 阶单位矩阵.
func Identity(n int) *Matrix {
	m := NewMatrix(n, n)
	for i := range n {
		m.Set(i, i, 1)
	}
	return m
}

// NewMatrixFromData 从二维切片创建矩阵.
func NewMatrixFromData(data [][]float64) (*Matrix, error) {
	rows := len(data)
	if rows == 0 {
		return nil, xerrors.Newf(xerrors.ErrEmptyData, "matrix has no rows")
	}

	cols := len(data[0])
	mat := NewMatrix(rows, cols)

	for i := range rows {
		if len(data[i]) != cols {
			return nil, xerrors.Newf(xerrors.ErrDimMismatch, "row %d has %d columns, want %d", i, len(data[i]), cols)
		}

		for j := range cols {
			mat.Set(i, j, data[i][j])
		}
	}

	return mat, nil
}

// Get 获取元素 (i, j).
func (m *Matrix) Get(row, col int) float64 {
	return m.Data[row*m.Cols+col]
}

// Set 设置元素 (i, j).
func (m *Matrix) Set(row, col int, val float64) {
	m.Data[row*m.Cols+col] = val
}

// Transpose 矩阵转置.
func (m *Matrix) Transpose() *Matrix {
	res := NewMatrix(m.Cols, m.Rows)
	for i := range m.Rows {
		for j := range m.Cols {
			res.Set(j, i, m.Get(i, j))
		}
	}

	return res
}

// Multiply 矩阵乘法: C = A * B.
func (m *Matrix) Multiply(other *Matrix) (*Matrix, error) {
	if m.Cols != other.Rows {
		return nil, xerrors.Newf(xerrors.ErrDimMismatch, "cannot multiply %dx%d by %dx%d", m.Rows, m.Cols, other.Rows, other.Cols)
	}

	res := NewMatrix(m.Rows, other.Cols)

	for i := range m.Rows {
		rowOffsetA := i * m.Cols
		rowOffsetC := i * res.Cols

		for k := range m.Cols {
			valA := m.Data[rowOffsetA+k]
			rowOffsetB := k * other.Cols

			for j := range other.Cols {
				res.Data[rowOffsetC+j] += valA * other.Data[rowOffsetB+j]
			}
		}
	}

	return res, nil
}

// CheckCorrelation 校验矩阵为对称, 对角线为 1 且元素位于 [-1, 1] 的相关矩阵.
func (m *Matrix) CheckCorrelation() error {
	if m.Rows != m.Cols {
		return xerrors.Newf(xerrors.ErrNotSquare, "correlation matrix is %dx%d", m.Rows, m.Cols)
	}
	const tol = 1e-12
	t := m.Transpose()
	for i := range m.Rows {
		if math.Abs(m.Get(i, i)-1) > tol {
			return xerrors.Newf(xerrors.ErrInvalidInput, "correlation diagonal (%d,%d) = %g", i, i, m.Get(i, i))
		}
		for j := range i {
			v := m.Get(i, j)
			if math.Abs(v-t.Get(i, j)) > tol || v < -1-tol || v > 1+tol {
				return xerrors.Newf(xerrors.ErrInvalidInput, "correlation (%d,%d) = %g is invalid", i, j, v)
			}
		}
	}
	return nil
}

// Cholesky 分解: A = L * L^T.
func (m *Matrix) Cholesky() (*Matrix, error) {
	if m.Rows != m.Cols {
		return nil, xerrors.Newf(xerrors.ErrNotSquare, "matrix is %dx%d", m.Rows, m.Cols)
	}

	n := m.Rows
	res := NewMatrix(n, n)

	for i := range n {
		for j := range i + 1 {
			var sum float64
			for k := range j {
				sum += res.Get(i, k) * res.Get(j, k)
			}

			if i == j {
				val := m.Get(i, i) - sum
				if val <= 0 {
					return nil, xerrors.Newf(xerrors.ErrNotPositiveDefinite, "pivot %d is %g", i, val)
				}

				res.Set(i, j, math.Sqrt(val))
			} else {
				res.Set(i, j, (m.Get(i, j)-sum)/res.Get(j, j))
			}
		}
	}

	return res, nil
}
