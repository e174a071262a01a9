package kafka

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// SASL 认证机制
const (
	MechanismPlain       = "PLAIN"
	MechanismSCRAMSHA256 = "SCRAM-SHA-256"
	MechanismSCRAMSHA512 = "SCRAM-SHA-512"
)

var (
	sha256Fcn scram.HashGeneratorFcn = func() hash.Hash { return sha256.New() }
	sha512Fcn scram.HashGeneratorFcn = func() hash.Hash { return sha512.New() }
)

// SASLConfig SASL 认证配置
type SASLConfig struct {
	Mechanism string
	Username  string
	Password  string
}

// scramClient 实现 sarama.SCRAMClient
type scramClient struct {
	*scram.Client
	*scram.ClientConversation
	hashFcn scram.HashGeneratorFcn
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.hashFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.Client = client
	c.ClientConversation = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.ClientConversation.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.ClientConversation.Done()
}

// applySASL 未知机制按 PLAIN 处理
func applySASL(config *sarama.Config, sasl *SASLConfig) {
	if sasl == nil || sasl.Username == "" {
		return
	}
	config.Net.SASL.Enable = true
	config.Net.SASL.User = sasl.Username
	config.Net.SASL.Password = sasl.Password

	switch strings.ToUpper(sasl.Mechanism) {
	case MechanismSCRAMSHA256:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{hashFcn: sha256Fcn}
		}
	case MechanismSCRAMSHA512:
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{hashFcn: sha512Fcn}
		}
	default:
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	}
}
