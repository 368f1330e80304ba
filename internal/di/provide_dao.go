package di

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/chatbot-deployer/internal/dao/querylogdao"
	"github.com/savaki/chatbot-deployer/internal/services"
)

func ProvideQueryLogDAO(config *services.Config, client *dynamodb.Client) *querylogdao.DAO {
	return querylogdao.New(client, config.TableName)
}
