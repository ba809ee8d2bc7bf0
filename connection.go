package firedoc

import (
	"fmt"
)

type IConnection interface {
	Validate() error
	GetDriver() Driver
	GetTransaction() Transaction
	HasTransaction() bool
	Close() error
}

// Connection pairs a driver with the transaction, if any, that reads and
// writes should go through.
type Connection struct {
	driver      Driver
	transaction Transaction
}

func NewConnection(driver Driver, transaction ...Transaction) *Connection {
	c := &Connection{driver: driver}
	if len(transaction) > 0 && transaction[0] != nil {
		c.transaction = transaction[0]
	}
	return c
}

func (c *Connection) Validate() error {
	if !c.HasDriver() {
		return fmt.Errorf("document store driver is required")
	}
	return nil
}

func (c *Connection) GetDriver() Driver {
	return c.driver
}

func (c *Connection) GetTransaction() Transaction {
	return c.transaction
}

func (c *Connection) HasTransaction() bool {
	return c.transaction != nil
}

func (c *Connection) HasDriver() bool {
	return c.driver != nil
}

// Close closes the driver. Transaction-bound connections share the driver of
// their parent and leave it open.
func (c *Connection) Close() error {
	if c.driver != nil && c.transaction == nil {
		return c.driver.Close()
	}
	return nil
}
