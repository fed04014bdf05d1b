package control

import (
	"go.uber.org/multierr"

	"github.com/iniwex5/sad-go/pkg/sad"
)

// txn 记录一次控制操作中每一步的回滚函数，失败时逆序撤销
type txn struct {
	c     *Controller
	undos []func() error
}

func (c *Controller) begin() *txn {
	return &txn{c: c}
}

func (tx *txn) Commit() {
	tx.undos = nil
}

func (tx *txn) Rollback() error {
	var err error
	for i := len(tx.undos) - 1; i >= 0; i-- {
		err = multierr.Append(err, tx.undos[i]())
	}
	tx.undos = nil
	return err
}

// add 写入 DB。回滚时恢复被替换的旧条目 (序列号状态重新开始) 或删除新条目。
func (tx *txn) add(e *sad.Entry) (*sad.Entry, error) {
	old, err := tx.c.db.Add(e)
	if err != nil {
		return nil, err
	}
	id := e.SadID
	tx.undos = append(tx.undos, func() error {
		if old != nil {
			_, err := tx.c.db.Add(old)
			return err
		}
		return tx.c.db.Remove(id)
	})
	return old, nil
}

// install 下发内核镜像
func (tx *txn) install(e, old *sad.Entry) error {
	if tx.c.mirror == nil {
		return nil
	}
	if err := tx.c.mirror.Install(e); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		if old != nil {
			return tx.c.mirror.Install(old)
		}
		return tx.c.mirror.Uninstall(e)
	})
	return nil
}
